// internal/browser/allocator.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/pagewalker/internal/config"
)

// flag is one Chrome command-line switch. Value is either a bool or a string.
type flag struct {
	Name  string
	Value any
}

// allocatorFlags lists the switches derived from configuration, in the order
// they are applied. Later entries win over chromedp's defaults.
func allocatorFlags(b config.BrowserConfig, n config.NetworkConfig) []flag {
	flags := []flag{
		{"headless", b.Headless},
		// Stability in containers.
		{"disable-gpu", true},
		{"no-sandbox", true},
		{"disable-dev-shm-usage", true},
	}
	if b.DevTools && !b.Headless {
		flags = append(flags, flag{"auto-open-devtools-for-tabs", true})
	}
	if n.IgnoreTLSErrors {
		flags = append(flags,
			flag{"ignore-certificate-errors", true},
			flag{"allow-insecure-localhost", true},
		)
	}
	if n.Proxy.Enabled && n.Proxy.Address != "" {
		flags = append(flags, flag{"proxy-server", n.Proxy.Address})
	}
	for _, arg := range b.Args {
		if f, ok := parseArg(arg); ok {
			flags = append(flags, f)
		}
	}
	return flags
}

// parseArg turns "--name" or "--name=value" into a flag.
func parseArg(arg string) (flag, bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return flag{}, false
	}
	name, value, found := strings.Cut(arg, "=")
	if !found {
		return flag{Name: name, Value: true}, true
	}
	return flag{Name: name, Value: value}, true
}

// DefaultAllocatorOptions builds the exec allocator options for a remote browser.
func DefaultAllocatorOptions(b config.BrowserConfig, n config.NetworkConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range allocatorFlags(b, n) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	if b.Viewport.Width > 0 && b.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(b.Viewport.Width, b.Viewport.Height))
	}
	if b.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.ExecPath))
	}
	if b.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(b.UserDataDir))
	}
	return opts
}
