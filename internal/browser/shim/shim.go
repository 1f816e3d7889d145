// internal/browser/shim/shim.go
package shim

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
)

const (
	// TransportPlaceholder is replaced in the template with the quoted name of the transport function.
	TransportPlaceholder = "/*{{PAGEWALKER_TRANSPORT}}*/"

	// DefaultTransport is the global both backends expose for page-to-host delivery.
	DefaultTransport = "invokeBrowserSocket"
)

//go:embed socket.js
var socketTemplate string

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// SocketShim returns the window.browserSocket prelude wired to the default transport.
func SocketShim() string {
	script, err := BuildSocketShim(socketTemplate, DefaultTransport)
	if err != nil {
		// The embedded template is known to be valid.
		panic(err)
	}
	return script
}

// SocketTemplate returns the unbuilt prelude, with the transport placeholder in place.
func SocketTemplate() string { return socketTemplate }

// BuildSocketShim injects the transport function name into template.
func BuildSocketShim(template, transport string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, TransportPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", TransportPlaceholder)
	}
	if !identifierRe.MatchString(transport) {
		return "", fmt.Errorf("transport %q is not a valid JavaScript identifier", transport)
	}
	return strings.Replace(template, TransportPlaceholder, `"`+transport+`"`, 1), nil
}
