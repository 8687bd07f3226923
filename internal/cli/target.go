// Package cli translates command-line arguments into the harvester's
// domain types: target tokens into model.TargetSpec, and flags into
// harvest.Options and weiboapi.Options.
package cli

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

var detailMidRe = regexp.MustCompile(`/detail/([^/?#]+)`)

// extractMidFromURL pulls a post mid out of a weibo permalink, either
// from a /detail/<mid> path segment or a ?mid=/?id= query parameter.
func extractMidFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if m := detailMidRe.FindStringSubmatch(u.Path); m != nil {
		if mid := strings.TrimSpace(m[1]); mid != "" {
			return mid
		}
	}
	q := u.Query()
	for _, key := range []string{"mid", "id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

// looksLikeContainerID reports whether identifier already has the shape
// of a weibo containerid rather than a supertopic display name.
func looksLikeContainerID(identifier string) bool {
	return strings.HasPrefix(identifier, "100808") || strings.HasSuffix(identifier, "_-_feed")
}

var allDigitsRe = regexp.MustCompile(`^[0-9]+$`)

// ParseTarget turns one raw target token (plus the top-level --mid flag)
// into a model.TargetSpec. A failure is always a weiboerr.KindInit error.
func ParseTarget(raw, midFlag string) (model.TargetSpec, error) {
	token := strings.TrimSpace(raw)

	if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
		mid := extractMidFromURL(token)
		if mid == "" {
			return model.TargetSpec{}, weiboerr.New(weiboerr.KindInit, "cannot parse mid from url: "+raw)
		}
		return model.NewMidTarget(mid), nil
	}

	if trimmedMid := strings.TrimSpace(midFlag); trimmedMid != "" {
		return model.NewMidTarget(trimmedMid), nil
	}

	if strings.HasPrefix(token, "#") {
		identifier := strings.TrimSpace(token[1:])
		if identifier == "" {
			return model.TargetSpec{}, weiboerr.New(weiboerr.KindInit, "empty supertopic target")
		}
		return model.NewSuperTopicTarget(identifier, looksLikeContainerID(identifier)), nil
	}

	if strings.HasPrefix(token, ":") {
		keyword := strings.TrimSpace(token[1:])
		if keyword == "" {
			return model.TargetSpec{}, weiboerr.New(weiboerr.KindInit, "empty search target")
		}
		return model.NewSearchTarget(keyword), nil
	}

	if token == "" {
		return model.TargetSpec{}, weiboerr.New(weiboerr.KindInit, "missing target")
	}

	return model.NewUserTarget(token, allDigitsRe.MatchString(token)), nil
}
