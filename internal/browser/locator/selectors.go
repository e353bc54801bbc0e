// File: internal/browser/locator/selectors.go
package locator

import (
	"strings"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

// Parse picks a strategy for a user supplied selector. "xpath=" and "css=" prefixes
// are explicit; expressions starting with "/" or "(" are XPath; everything else is CSS.
func Parse(selector string) driver.By {
	s := strings.TrimSpace(selector)
	switch {
	case strings.HasPrefix(s, "xpath="):
		return driver.XPath(strings.TrimPrefix(s, "xpath="))
	case strings.HasPrefix(s, "css="):
		return driver.CSS(strings.TrimPrefix(s, "css="))
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "(/"), strings.HasPrefix(s, "./"):
		return driver.XPath(s)
	default:
		return driver.CSS(s)
	}
}

// -- Derived selectors --

// ByText matches elements whose own text, whitespace normalized, equals text.
func ByText(text string) driver.By {
	return driver.XPath("//*[text()[normalize-space(.)=" + xpathLiteral(strings.TrimSpace(text)) + "]]")
}

// ByLabel matches form controls labelled text, either nested in the label or
// referenced through its for attribute.
func ByLabel(text string) driver.By {
	lit := xpathLiteral(strings.TrimSpace(text))
	label := "//label[normalize-space(.)=" + lit + "]"
	return driver.XPath(label + "//*[self::input or self::textarea or self::select]" +
		" | //*[@id=" + label + "/@for]" +
		" | //*[@aria-label=" + lit + "]")
}

// implicitRoles lists elements that carry an ARIA role without declaring it.
var implicitRoles = map[string][]string{
	"button":   {"button", `input[type="button"]`, `input[type="submit"]`, `input[type="reset"]`},
	"link":     {"a[href]"},
	"heading":  {"h1", "h2", "h3", "h4", "h5", "h6"},
	"checkbox": {`input[type="checkbox"]`},
	"radio":    {`input[type="radio"]`},
	"textbox":  {"textarea", "input:not([type])", `input[type="text"]`, `input[type="email"]`, `input[type="search"]`},
	"list":     {"ul", "ol"},
	"listitem": {"li"},
	"img":      {"img[alt]"},
}

// ByRole matches an explicit role attribute or the elements that imply it.
func ByRole(role string) driver.By {
	role = strings.TrimSpace(role)
	parts := []string{"[role=" + cssString(role) + "]"}
	parts = append(parts, implicitRoles[strings.ToLower(role)]...)
	return driver.CSS(strings.Join(parts, ", "))
}

func ByPlaceholder(text string) driver.By {
	return driver.CSS("[placeholder=" + cssString(text) + "]")
}

// ByTestID matches data-testid.
func ByTestID(id string) driver.By {
	return driver.CSS("[data-testid=" + cssString(id) + "]")
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences: strings
// containing both quote kinds are assembled with concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, "'", `)
		}
		b.WriteString("'" + p + "'")
	}
	b.WriteString(")")
	return b.String()
}

// cssString renders s as a double quoted CSS string.
func cssString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\a `)
		case '\r':
			b.WriteString(`\d `)
		case 0:
			b.WriteString(`\fffd `)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// descendant composes a child selector under parent. Mixing strategies cannot be
// expressed as one query and reports false.
func descendant(parent, child driver.By) (driver.By, bool) {
	switch {
	case parent.Using == driver.StrategyCSS && child.Using == driver.StrategyCSS:
		// Each alternative of a selector list must be scoped separately.
		var parts []string
		for _, p := range splitSelectorList(parent.Value) {
			for _, c := range splitSelectorList(child.Value) {
				parts = append(parts, p+" "+c)
			}
		}
		return driver.CSS(strings.Join(parts, ", ")), true
	case parent.Using == driver.StrategyXPath && child.Using == driver.StrategyXPath:
		c := strings.TrimPrefix(child.Value, ".")
		if !strings.HasPrefix(c, "/") {
			c = "//" + c
		}
		return driver.XPath("(" + parent.Value + ")" + c), true
	default:
		return child, false
	}
}

// splitSelectorList splits a CSS selector list on top level commas.
func splitSelectorList(s string) []string {
	var out []string
	depth := 0
	var quote rune
	start := 0
	escaped := false
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
		case r == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
