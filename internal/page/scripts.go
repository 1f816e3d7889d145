// internal/page/scripts.go
package page

import (
	"fmt"

	"github.com/xkilldash9x/pagewalker/internal/query"
)

// Channels the injected watchers report on.
const (
	ChannelIframeLoad    = "iframe-page-load"
	ChannelAjaxDone      = "ajax-done"
	ChannelSelectorFound = "selector-found"
)

// Page-side bookkeeping keys. They live on the frame element, the patched
// prototype and the top window respectively.
const (
	frameLoadKey = "__pagewalkerFrameLoad"
	ajaxOpenKey  = "__pagewalkerOpen"
	observersKey = "__pagewalkerObservers"
)

// armFrameLoadScript hooks load on the frame element hosting win. The hook
// survives the frame's content window being replaced by the navigation.
func armFrameLoadScript(win string) string {
	return fmt.Sprintf(`(function () {
  var frame = (%[1]s).frameElement;
  if (!frame) { throw new Error("window has no frame element"); }
  if (frame[%[2]s]) { frame.removeEventListener("load", frame[%[2]s]); }
  var handler = function () {
    frame.removeEventListener("load", handler);
    delete frame[%[2]s];
    window.browserSocket.send(%[3]s);
  };
  frame[%[2]s] = handler;
  frame.addEventListener("load", handler);
})()`, win, query.Quote(frameLoadKey), query.Quote(ChannelIframeLoad))
}

func disarmFrameLoadScript(win string) string {
	return fmt.Sprintf(`(function () {
  var frame = (%[1]s).frameElement;
  if (frame && frame[%[2]s]) {
    frame.removeEventListener("load", frame[%[2]s]);
    delete frame[%[2]s];
  }
})()`, win, query.Quote(frameLoadKey))
}

// armAjaxScript wraps XMLHttpRequest.prototype.open in win. The first request
// to reach readyState 4 restores the original and reports its status.
func armAjaxScript(win string) string {
	return fmt.Sprintf(`(function () {
  var proto = (%[1]s).XMLHttpRequest.prototype;
  if (proto[%[2]s]) { return; }
  var original = proto.open;
  var socket = window.browserSocket;
  proto[%[2]s] = original;
  proto.open = function () {
    var xhr = this;
    xhr.addEventListener("readystatechange", function () {
      if (xhr.readyState !== 4 || proto[%[2]s] !== original) { return; }
      proto.open = original;
      delete proto[%[2]s];
      socket.send(%[3]s, xhr.status);
    });
    return original.apply(this, arguments);
  };
})()`, win, query.Quote(ajaxOpenKey), query.Quote(ChannelAjaxDone))
}

func disarmAjaxScript(win string) string {
	return fmt.Sprintf(`(function () {
  var proto = (%[1]s).XMLHttpRequest.prototype;
  if (proto[%[2]s]) {
    proto.open = proto[%[2]s];
    delete proto[%[2]s];
  }
})()`, win, query.Quote(ajaxOpenKey))
}

// armObserverScript installs a MutationObserver on the body of q's window
// that recounts q on every mutation. It reports token once and disconnects.
// A match present at arm time is reported before the script returns.
func armObserverScript(q query.Query, token string) (string, error) {
	count, err := q.WithAction(query.CountAction).AllowEmpty(true).Script()
	if err != nil {
		return "", err
	}
	win := q.Context()
	if win == "" {
		win = "window"
	}
	return fmt.Sprintf(`(function () {
  var token = %[2]s;
  var registry = window[%[3]s] = window[%[3]s] || {};
  var socket = window.browserSocket;
  function matches() {
    var r = %[4]s;
    return !!(r && r.ok && r.value > 0);
  }
  function report() {
    var observer = registry[token];
    if (!observer) { return; }
    observer.disconnect();
    delete registry[token];
    socket.send(%[5]s, token);
  }
  var target = (%[1]s).document.body || (%[1]s).document.documentElement;
  registry[token] = new MutationObserver(function () {
    if (matches()) { report(); }
  });
  registry[token].observe(target, { subtree: true, childList: true, attributes: true, characterData: true });
  if (matches()) { report(); }
})()`, win, query.Quote(token), query.Quote(observersKey), count, query.Quote(ChannelSelectorFound)), nil
}

func disarmObserverScript(token string) string {
	return fmt.Sprintf(`(function () {
  var registry = window[%[1]s];
  if (registry && registry[%[2]s]) {
    registry[%[2]s].disconnect();
    delete registry[%[2]s];
  }
})()`, query.Quote(observersKey), query.Quote(token))
}

// observerCountScript reports how many selector observers are still attached.
func observerCountScript() string {
	return fmt.Sprintf(`(function () {
  var registry = window[%[1]s];
  return registry ? Object.keys(registry).length : 0;
})()`, query.Quote(observersKey))
}

// frameEvalScript evaluates code with win as its global scope.
func frameEvalScript(win, code string) string {
	return fmt.Sprintf(`(function () {
  var __win = %[1]s;
  return (function (window, document, location) {
    with (window) { return eval(%[2]s); }
  }).call(__win, __win, __win.document, __win.location);
})()`, win, query.Quote(code))
}

func sourceHTMLScript(win string) string {
	return fmt.Sprintf(`(%s).document.getElementsByTagName("html")[0].outerHTML`, win)
}
