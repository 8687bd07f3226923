// Package weiboapi talks to the upstream Weibo HTTP endpoints and parses
// their JSON payloads into internal/model types. The parsing half is
// pure functions over already-fetched bytes with no network or retry
// concerns of its own.
package weiboapi

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

// cst is China Standard Time, UTC+8, the timezone the upstream API's
// relative date forms ("N minutes ago", "yesterday HH:MM") are phrased in.
var cst = time.FixedZone("CST", 8*60*60)

var (
	minutesAgoRe = regexp.MustCompile(`^(\d+)\s*(?:分钟前|分鐘前)$`)
	yesterdayRe  = regexp.MustCompile(`^昨天\s*(\d{2}):(\d{2})`)
	monthDayRe   = regexp.MustCompile(`^(\d{2})-(\d{2})$`)
)

// ParseWeiboDatetime parses the five date forms the upstream API emits:
// the full RFC822-ish form, "N minutes ago", "yesterday HH:MM", "MM-DD"
// (implying this year),
// and a bare "YYYY-MM-DD". now anchors the relative forms; a zero Value
// defaults to the current time in CST.
func ParseWeiboDatetime(raw string, now time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(cst)
	raw = strings.TrimSpace(raw)

	if t, err := time.Parse("Mon Jan 02 15:04:05 -0700 2006", raw); err == nil {
		return t.In(cst), nil
	}

	if m := minutesAgoRe.FindStringSubmatch(raw); m != nil {
		n, _ := strconv.Atoi(m[1])
		t := now.Add(-time.Duration(n) * time.Minute)
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, cst), nil
	}

	if m := yesterdayRe.FindStringSubmatch(raw); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		y := now.AddDate(0, 0, -1)
		return time.Date(y.Year(), y.Month(), y.Day(), hour, minute, 0, 0, cst), nil
	}

	if m := monthDayRe.FindStringSubmatch(raw); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return time.Time{}, weiboerr.New(weiboerr.KindSchema, "invalid date: "+raw)
		}
		return time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, cst), nil
	}

	if t, err := time.ParseInLocation("2006-01-02", raw, cst); err == nil {
		return t, nil
	}

	return time.Time{}, weiboerr.New(weiboerr.KindSchema, "unknown date format: "+raw)
}

// ParseUserInfo parses a user object from the upstream API.
func ParseUserInfo(raw []byte) (*model.User, error) {
	v := gjson.ParseBytes(raw)

	uid := firstNonEmpty(v.Get("id").String(), v.Get("idstr").String())
	if uid == "" {
		return nil, weiboerr.New(weiboerr.KindSchema, "user missing id")
	}

	nickname := firstNonEmpty(v.Get("screen_name").String(), v.Get("nickname").String())
	if nickname == "" {
		nickname = "user_" + uid
	}

	return &model.User{
		UID:       uid,
		Nickname:  nickname,
		AvatarURL: firstNonEmpty(v.Get("avatar_large").String(), v.Get("profile_image_url").String()),
		Raw:       rawMap(raw),
	}, nil
}

// ParseSupertopic parses a super-topic container descriptor.
func ParseSupertopic(raw []byte) (*model.SuperTopic, error) {
	v := gjson.ParseBytes(raw)

	cid := firstNonEmpty(v.Get("containerid").String(), v.Get("id").String())
	if cid == "" {
		return nil, weiboerr.New(weiboerr.KindSchema, "supertopic missing containerid")
	}

	name := firstNonEmpty(v.Get("topic_title").String(), v.Get("topic_name").String())
	if name == "" {
		name = "topic"
	}

	return &model.SuperTopic{ContainerID: cid, Name: name, Raw: rawMap(raw)}, nil
}

// extractMedia pulls pictures then (at most one) video out of an mblog
// object, in that order. Picture
// URLs prefer the large rendition; video URLs are chosen by the
// stream_url_hd > mp4_720p_mp4 > mp4_hd_url > stream_url preference chain.
func extractMedia(mblog gjson.Result) []model.MediaItem {
	var items []model.MediaItem

	mblog.Get("pics").ForEach(func(_, pic gjson.Result) bool {
		url := firstNonEmpty(pic.Get("large.url").String(), pic.Get("url").String())
		if url == "" {
			return true
		}
		items = append(items, model.MediaItem{
			MediaType:    model.MediaPicture,
			URL:          url,
			Index:        len(items),
			FilenameHint: filenameHint(url),
			Raw:          resultToMap(pic),
		})
		return true
	})

	page := mblog.Get("page_info")
	if page.Exists() && page.Get("type").String() == "video" {
		info := page.Get("media_info")
		url := firstNonEmpty(
			info.Get("stream_url_hd").String(),
			info.Get("mp4_720p_mp4").String(),
			info.Get("mp4_hd_url").String(),
			info.Get("stream_url").String(),
		)
		if url != "" {
			items = append(items, model.MediaItem{
				MediaType:    model.MediaVideo,
				URL:          url,
				Index:        len(items),
				FilenameHint: filenameHint(url),
				Raw:          resultToMap(page),
			})
		}
	}

	return items
}

// ParsePost parses one card from a feed/page response into a Post.
// cardJSON may be either the
// card wrapper (with an "mblog" field) or a bare mblog, matching the
// upstream API's inconsistency across endpoints.
func ParsePost(cardJSON []byte, now time.Time) (*model.Post, error) {
	card := gjson.ParseBytes(cardJSON)
	mblog := card.Get("mblog")
	if !mblog.Exists() {
		mblog = card
	}

	mid := firstNonEmpty(mblog.Get("mid").String(), mblog.Get("id").String())
	if mid == "" {
		return nil, weiboerr.New(weiboerr.KindSchema, "post missing mid")
	}

	createdRaw := mblog.Get("created_at").String()
	if createdRaw == "" {
		return nil, weiboerr.New(weiboerr.KindSchema, fmt.Sprintf("post %s missing created_at", mid))
	}
	createdAt, err := ParseWeiboDatetime(createdRaw, now)
	if err != nil {
		return nil, err
	}

	var user *model.User
	if u := mblog.Get("user"); u.Exists() {
		user, err = ParseUserInfo([]byte(u.Raw))
		if err != nil {
			return nil, err
		}
	}

	return &model.Post{
		Mid:        mid,
		Bid:        mblog.Get("bid").String(),
		Text:       firstNonEmpty(mblog.Get("text_raw").String(), mblog.Get("text").String()),
		CreatedAt:  createdAt,
		User:       user,
		MediaItems: extractMedia(mblog),
		Raw:        resultToMap(card),
	}, nil
}

// ExtractNextCursor reads the pagination cursor out of a page response.
// It returns nil once
// the upstream reports no further since_id, signalling exhaustion.
func ExtractNextCursor(pageJSON []byte) *string {
	sid := gjson.GetBytes(pageJSON, "cardlistInfo.since_id").String()
	if sid == "" {
		return nil
	}
	return &sid
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func filenameHint(rawURL string) string {
	u := rawURL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	base := path.Base(u)
	ext := path.Ext(base)
	hint := strings.TrimSuffix(base, ext)
	if hint == "." || hint == "/" {
		return ""
	}
	return hint
}

func rawMap(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func resultToMap(v gjson.Result) map[string]any {
	return rawMap([]byte(v.Raw))
}
