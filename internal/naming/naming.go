// Package naming renders directory and filename templates and sanitizes
// the result for safe use as filesystem path components.
package naming

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cxyfer/weiboloader/internal/model"
)

// Illegal holds the characters stripped by Sanitize.
const Illegal = `\/:*?"<>|`

// MaxTextLen bounds the {text} template expansion.
const MaxTextLen = 50

const defaultDateFormat = "20060102_150405"

var templateRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)(?::([^{}]*))?\}`)

// DefaultPattern returns the default directory pattern for a target kind.
func DefaultPattern(kind model.TargetKind) string {
	switch kind {
	case model.TargetUser:
		return "./{nickname}/"
	case model.TargetSuperTopic:
		return "./topic/{topic_name}/"
	case model.TargetSearch:
		return "./search/{keyword}/"
	default:
		return "./"
	}
}

// Vars is the set of substitution values a template may reference.
// Index and Date are pointers so their absence (no {index}, "now" for
// date) can be distinguished from a present zero value.
type Vars struct {
	Nickname   string
	UID        string
	Mid        string
	Bid        string
	Text       string
	Type       string
	TopicName  string
	Keyword    string
	Name       string
	Date       *time.Time
	Index      *int
}

func (v Vars) lookup(key string) (string, bool) {
	switch key {
	case "nickname":
		return v.Nickname, true
	case "uid":
		return v.UID, true
	case "mid":
		return v.Mid, true
	case "bid":
		return v.Bid, true
	case "text":
		// Truncate by runes, not bytes: the text is usually CJK and a
		// byte slice could split a character mid-sequence.
		text := []rune(v.Text)
		if len(text) > MaxTextLen {
			text = text[:MaxTextLen]
		}
		return string(text), true
	case "type":
		return v.Type, true
	case "topic_name":
		return v.TopicName, true
	case "keyword":
		return v.Keyword, true
	case "name":
		return v.Name, true
	default:
		return "", false
	}
}

// RenderTemplate substitutes {name} / {name:spec} tokens in template.
// Unknown names expand to the empty string; {date[:layout]} uses Go's
// reference-time layout instead of strftime; {index[:width]} zero-pads
// to width when a numeric spec is given.
func RenderTemplate(template string, v Vars) string {
	date := time.Now()
	if v.Date != nil {
		date = *v.Date
	}

	return templateRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := templateRe.FindStringSubmatch(m)
		key, spec := sub[1], sub[2]

		switch key {
		case "date":
			layout := defaultDateFormat
			if spec != "" {
				layout = spec
			}
			return date.Format(layout)
		case "index":
			if v.Index == nil {
				return ""
			}
			if width, err := strconv.Atoi(spec); err == nil && width > 0 {
				return zeroPad(*v.Index, width)
			}
			return strconv.Itoa(*v.Index)
		default:
			val, _ := v.lookup(key)
			return val
		}
	})
}

// Sanitize strips illegal filesystem characters and rejects "." / ".."
// as whole tokens (path-traversal prevention). Sanitize is idempotent:
// Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(Illegal, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "." || out == ".." {
		return ""
	}
	return out
}

// BuildFilename renders pattern with mid plus the given vars, sanitizes
// the result, and falls back to sanitize(mid) then the literal "file" if
// the sanitized rendering is empty.
func BuildFilename(pattern string, mid string, v Vars) string {
	v.Mid = mid
	rendered := RenderTemplate(pattern, v)
	if sanitized := Sanitize(rendered); sanitized != "" {
		return sanitized
	}
	if sanitizedMid := Sanitize(mid); sanitizedMid != "" {
		return sanitizedMid
	}
	return "file"
}

// BuildDirectory renders the directory pattern for target, sanitizing
// each path component independently while preserving a leading "./".
func BuildDirectory(target model.TargetSpec, pattern string, v Vars) string {
	pat := pattern
	if pat == "" {
		pat = DefaultPattern(target.Kind)
	}

	switch target.Kind {
	case model.TargetUser:
		if target.IsUID {
			if v.UID == "" {
				v.UID = target.Identifier
			}
		} else if v.Nickname == "" {
			v.Nickname = target.Identifier
		}
	case model.TargetSuperTopic:
		if v.TopicName == "" {
			v.TopicName = target.Identifier
		}
	case model.TargetSearch:
		if v.Keyword == "" {
			v.Keyword = target.Keyword
		}
	case model.TargetMid:
		if v.Mid == "" {
			v.Mid = target.Mid
		}
	}

	rendered := RenderTemplate(pat, v)
	parts := strings.Split(strings.ReplaceAll(rendered, `\`, "/"), "/")

	sanitizedParts := make([]string, 0, len(parts))
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 && p == "." {
			sanitizedParts = append(sanitizedParts, p)
			continue
		}
		sp := Sanitize(p)
		if sp == "" {
			sp = "x"
		}
		sanitizedParts = append(sanitizedParts, sp)
	}

	out := strings.Join(sanitizedParts, "/")
	if strings.HasSuffix(rendered, "/") {
		out += "/"
	}
	return out
}

func zeroPad(n, width int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) < width {
		s = "0" + s
	}
	if neg {
		s = "-" + s
	}
	return s
}
