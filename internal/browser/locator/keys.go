// File: internal/browser/locator/keys.go
package locator

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

// WebDriver key codepoints (W3C WebDriver, "Keyboard actions").
const keyNull = ""

var namedKeys = map[string]string{
	"cancel":     "",
	"help":       "",
	"backspace":  "",
	"tab":        "",
	"clear":      "",
	"return":     "",
	"enter":      "",
	"shift":      "",
	"control":    "",
	"ctrl":       "",
	"alt":        "",
	"pause":      "",
	"escape":     "",
	"space":      "",
	"pageup":     "",
	"pagedown":   "",
	"end":        "",
	"home":       "",
	"arrowleft":  "",
	"arrowup":    "",
	"arrowright": "",
	"arrowdown":  "",
	"insert":     "",
	"delete":     "",
	"meta":       "",
	"command":    "",
	"f1":         "",
	"f2":         "",
	"f3":         "",
	"f4":         "",
	"f5":         "",
	"f6":         "",
	"f7":         "",
	"f8":         "",
	"f9":         "",
	"f10":        "",
	"f11":        "",
	"f12":        "",
}

// keySequence translates "Enter", "a" or "Control+Shift+K" into the text payload
// of Element Send Keys. Modifiers stay pressed until the trailing null key.
func keySequence(key string) (string, error) {
	if key == "" {
		return "", driver.NewInvalidArgument("press", "key is required")
	}
	if key == "+" {
		return "+", nil
	}

	parts := strings.Split(key, "+")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			return "", driver.NewInvalidArgument("press", fmt.Sprintf("malformed key combination %q", key))
		}
		if code, ok := namedKeys[strings.ToLower(p)]; ok {
			b.WriteString(code)
			continue
		}
		if len([]rune(p)) != 1 {
			return "", driver.NewInvalidArgument("press", fmt.Sprintf("unknown key %q", p))
		}
		b.WriteString(p)
	}
	if len(parts) > 1 {
		b.WriteString(keyNull)
	}
	return b.String(), nil
}
