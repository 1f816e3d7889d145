// internal/browser/jsbind/xhr.go
package jsbind

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// maxResponseBody caps what a page-initiated request reads into the runtime.
const maxResponseBody = 32 << 20

type fetchResult struct {
	status     int
	statusText string
	url        string
	redirected bool
	headers    map[string]string
	rawHeaders string
	body       string
}

// fetchNative implements __pagewalkerFetch(base, method, url, headers, body,
// timeoutMs, callback). The request runs on its own goroutine and the
// callback is posted back to the loop as callback(error, response).
func (e *Env) fetchNative(call goja.FunctionCall) goja.Value {
	base := call.Argument(0).String()
	method := strings.ToUpper(call.Argument(1).String())
	ref := call.Argument(2).String()
	body := call.Argument(4).String()
	timeout := time.Duration(call.Argument(5).ToInteger()) * time.Millisecond
	cb, ok := goja.AssertFunction(call.Argument(6))
	if !ok {
		e.throwType("fetch: callback is not a function")
	}

	req, err := e.newSubresourceRequest(base, method, ref, body)
	if err != nil {
		e.rt.Post(func(*goja.Runtime) { e.deliverFetch(cb, nil, err) })
		return goja.Undefined()
	}
	if h, ok := call.Argument(3).(*goja.Object); ok {
		for _, k := range h.Keys() {
			req.Header.Set(k, h.Get(k).String())
		}
	}
	e.opts.Persona.ApplyHeaders(req.Header)
	req.Header.Set("Referer", base)

	ctx := e.ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	req = req.WithContext(ctx)
	logger := e.logger.With(zap.String("method", method), zap.String("url", req.URL.String()))
	go func() {
		defer cancel()
		res, err := e.doFetch(ctx, req)
		if err != nil {
			logger.Debug("Page request failed.", zap.Error(err))
		}
		e.rt.Post(func(*goja.Runtime) { e.deliverFetch(cb, res, err) })
	}()
	return goja.Undefined()
}

func (e *Env) newSubresourceRequest(base, method, ref, body string) (*http.Request, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u, err := b.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("unsupported scheme " + u.Scheme)
	}
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	return req, nil
}

func (e *Env) doFetch(ctx context.Context, req *http.Request) (*fetchResult, error) {
	resp, err := e.host.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	res := &fetchResult{
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		url:        req.URL.String(),
		headers:    make(map[string]string, len(resp.Header)),
		body:       string(data),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		res.url = resp.Request.URL.String()
		res.redirected = res.url != req.URL.String()
	}
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var raw strings.Builder
	for _, k := range keys {
		v := strings.Join(resp.Header.Values(k), ", ")
		lk := strings.ToLower(k)
		res.headers[lk] = v
		raw.WriteString(lk + ": " + v + "\r\n")
	}
	res.rawHeaders = raw.String()
	return res, nil
}

func (e *Env) deliverFetch(cb goja.Callable, res *fetchResult, err error) {
	vm := e.vm
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		e.rt.Call(cb, goja.Undefined(), vm.ToValue(reason), goja.Null())
		return
	}
	headers := vm.NewObject()
	for k, v := range res.headers {
		e.set(headers, k, v)
	}
	obj := vm.NewObject()
	e.set(obj, "status", res.status)
	e.set(obj, "statusText", res.statusText)
	e.set(obj, "url", res.url)
	e.set(obj, "redirected", res.redirected)
	e.set(obj, "headers", headers)
	e.set(obj, "rawHeaders", res.rawHeaders)
	e.set(obj, "body", res.body)
	e.rt.Call(cb, goja.Undefined(), goja.Null(), obj)
}
