// Package locale maps site paths to and from their language variant. English
// pages live at the root; Chinese pages live under /zh.
package locale

import "strings"

type Locale string

const (
	EN Locale = "en"
	ZH Locale = "zh"
)

// All lists the supported locales, default first.
var All = []Locale{EN, ZH}

// Parse returns the locale named s, or EN when s is not supported.
func Parse(s string) Locale {
	if Locale(s) == ZH {
		return ZH
	}
	return EN
}

// Detect returns ZH for any path starting with "/zh", EN otherwise.
func Detect(path string) Locale {
	if strings.HasPrefix(path, "/zh") {
		return ZH
	}
	return EN
}

func Prefix(l Locale) string {
	if l == ZH {
		return "/zh"
	}
	return ""
}

// WithLocalePath rewrites path into the given locale's tree.
func WithLocalePath(l Locale, path string) string {
	clean := path
	if !strings.HasPrefix(clean, "/") {
		clean = "/" + clean
	}
	if l == ZH {
		switch {
		case clean == "/":
			return "/zh/"
		case strings.HasPrefix(clean, "/zh"):
			return clean
		default:
			return "/zh" + clean
		}
	}
	return stripZH(clean)
}

// Toggle switches path to the other locale.
func Toggle(path string) string {
	if strings.HasPrefix(path, "/zh") {
		return stripZH(path)
	}
	return "/zh" + path
}

// stripZH removes a leading "/zh" segment; "/zhx" is not a locale prefix.
func stripZH(path string) string {
	rest, ok := strings.CutPrefix(path, "/zh")
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	if rest == "" {
		return "/"
	}
	return rest
}
