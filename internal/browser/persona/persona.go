// Package persona describes the identity a browser presents to pages and
// translates it for each backend: CDP emulation tasks for the remote browser,
// request headers and navigator properties for the embedded shell.
package persona

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/pagewalker/internal/config"
	"go.uber.org/zap"
)

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Languages []string
	Timezone  string
	Locale    string
	// Headers are extra request headers sent with every request.
	Headers map[string]string
}

// Default is used when no configuration is available.
var Default = Persona{
	UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) pagewalker/1.0 Safari/537.36",
	Languages: []string{"en-US", "en"},
	Timezone:  "UTC",
	Locale:    "en-US",
}

// FromConfig builds a Persona from the browser and network sections.
func FromConfig(b config.BrowserConfig, n config.NetworkConfig) Persona {
	p := Default
	if b.Persona.UserAgent != "" {
		p.UserAgent = b.Persona.UserAgent
	}
	if len(b.Persona.Languages) > 0 {
		p.Languages = append([]string(nil), b.Persona.Languages...)
	}
	if b.Persona.Timezone != "" {
		p.Timezone = b.Persona.Timezone
	}
	if b.Persona.Locale != "" {
		p.Locale = b.Persona.Locale
	}
	if len(n.Headers) > 0 {
		p.Headers = make(map[string]string, len(n.Headers))
		for k, v := range n.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

// AcceptLanguage renders Languages as a weighted Accept-Language value,
// e.g. "en-US,en;q=0.9".
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	parts := []string{p.Languages[0]}
	q := 0.9
	for _, l := range p.Languages[1:] {
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
		if q > 0.2 {
			q -= 0.1
		}
	}
	return strings.Join(parts, ",")
}

// ApplyHeaders sets the persona headers on an outgoing embedded request.
func (p Persona) ApplyHeaders(h http.Header) {
	h.Set("User-Agent", p.UserAgent)
	if al := p.AcceptLanguage(); al != "" {
		h.Set("Accept-Language", al)
	}
	for k, v := range p.Headers {
		h.Set(k, v)
	}
}

// Navigator returns the navigator properties the embedded shell exposes.
func (p Persona) Navigator() map[string]any {
	lang := ""
	if len(p.Languages) > 0 {
		lang = p.Languages[0]
	}
	langs := make([]any, len(p.Languages))
	for i, l := range p.Languages {
		langs[i] = l
	}
	return map[string]any{
		"userAgent":     p.UserAgent,
		"language":      lang,
		"languages":     langs,
		"cookieEnabled": true,
		"onLine":        true,
		"webdriver":     true,
	}
}

// Tasks returns the CDP actions that apply the persona to a remote tab.
func (p Persona) Tasks(logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("locale", p.Locale),
		zap.String("timezone", p.Timezone),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).WithAcceptLanguage(p.AcceptLanguage()),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}

	headers := network.Headers{}
	for k, v := range p.Headers {
		headers[k] = v
	}
	if al := p.AcceptLanguage(); al != "" {
		headers["Accept-Language"] = al
	}
	tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	return tasks
}
