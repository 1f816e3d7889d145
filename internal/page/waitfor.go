// internal/page/waitfor.go
package page

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/pagewalker/internal/query"
)

// WaitKind names a wait for WaitFor.
type WaitKind string

const (
	WaitPageLoad  WaitKind = "PageLoad"
	WaitAjaxDone  WaitKind = "AjaxDone"
	WaitSelector  WaitKind = "Selector"
	WaitSignal    WaitKind = "Signal"
	WaitDownload  WaitKind = "Download"
	WaitNewWindow WaitKind = "NewWindow"
	WaitConfirm   WaitKind = "Confirm"
	WaitAlert     WaitKind = "Alert"
)

// WaitFor dispatches to the wait named by kind. args carry what that wait
// needs: a selector string or *query.Finder for Selector, a channel name for
// Signal, ConfirmOptions or AlertOptions for the dialogs.
func (p *Page) WaitFor(ctx context.Context, kind WaitKind, action Action, args ...any) (any, error) {
	switch kind {
	case WaitPageLoad:
		return nil, p.WaitForPageLoad(ctx, action)
	case WaitAjaxDone:
		return nil, p.WaitForAjaxDone(ctx, action)
	case WaitSelector:
		if len(args) == 0 {
			return nil, fmt.Errorf("wait %s needs a selector", kind)
		}
		switch target := args[0].(type) {
		case string:
			return nil, p.WaitForSelector(ctx, target, action)
		case *query.Finder:
			return nil, p.WaitForFinder(ctx, target, action)
		default:
			return nil, fmt.Errorf("wait %s: unsupported target %T", kind, args[0])
		}
	case WaitSignal:
		channel, ok := firstArg[string](args)
		if !ok {
			return nil, fmt.Errorf("wait %s needs a channel name", kind)
		}
		return p.WaitForSignal(ctx, channel, action)
	case WaitDownload:
		return p.WaitForDownload(ctx, action)
	case WaitNewWindow:
		return p.WaitForNewWindow(ctx, action)
	case WaitConfirm:
		opts := ConfirmOptions{IsClickOK: true}
		if o, ok := firstArg[ConfirmOptions](args); ok {
			opts = o
		}
		return p.WaitForConfirm(ctx, opts, action)
	case WaitAlert:
		opts, _ := firstArg[AlertOptions](args)
		return p.WaitForAlert(ctx, opts, action)
	default:
		return nil, fmt.Errorf("unknown wait kind %q", kind)
	}
}

func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
