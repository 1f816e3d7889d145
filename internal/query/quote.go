package query

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// lineTerminators are legal inside JSON strings but end a line in older JS
// parsers, so they are always emitted as escapes.
var lineTerminators = strings.NewReplacer("\u2028", `\u2028`, "\u2029", `\u2029`)

// Quote renders s as a double-quoted JavaScript string literal. It is the only
// way a caller-supplied value enters a generated script.
func Quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshaling a string cannot fail.
		panic(err)
	}
	return lineTerminators.Replace(string(b))
}
