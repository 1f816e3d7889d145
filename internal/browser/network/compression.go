// browser/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaderPool   = sync.Pool{New: func() interface{} { return new(gzip.Reader) }}
	brotliReaderPool = sync.Pool{New: func() interface{} { return brotli.NewReader(nil) }}
)

// CompressionMiddleware is an http.RoundTripper that advertises gzip, deflate
// and brotli and transparently decodes the response body.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}
	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// decodedBody closes the decoder, returns pooled readers and closes the raw body.
type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var errs []error
	// Innermost decoder first, raw body last.
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// DecompressResponse wraps resp.Body with decoders for every Content-Encoding
// layer, applied in reverse order, and strips the encoding headers.
func DecompressResponse(resp *http.Response) error {
	header := resp.Header.Get("Content-Encoding")
	if header == "" || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}

	body := &decodedBody{Reader: resp.Body, closers: []func() error{resp.Body.Close}}
	encodings := strings.Split(header, ",")
	for i := len(encodings) - 1; i >= 0; i-- {
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "identity", "":
			continue
		case "gzip", "x-gzip":
			zr := gzipReaderPool.Get().(*gzip.Reader)
			if err := zr.Reset(body.Reader); err != nil {
				gzipReaderPool.Put(zr)
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			body.Reader = zr
			body.closers = append(body.closers, func() error {
				err := zr.Close()
				gzipReaderPool.Put(zr)
				return err
			})
		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(body.Reader); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			body.Reader = br
			body.closers = append(body.closers, func() error {
				brotliReaderPool.Put(br)
				return nil
			})
		case "deflate":
			dr, err := newDeflateReader(body.Reader)
			if err != nil {
				return fmt.Errorf("deflate initialization error: %w", err)
			}
			body.Reader = dr
			body.closers = append(body.closers, dr.Close)
		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", enc)
		}
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951)
// deflate, since servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// A zlib header has CM=8 in the low nibble and a checksum divisible by 31.
	if len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}
