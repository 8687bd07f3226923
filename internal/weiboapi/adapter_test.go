package weiboapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWeiboDatetimeFullForm(t *testing.T) {
	got, err := ParseWeiboDatetime("Thu Jul 30 12:00:00 +0800 2026", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.Month(7), got.Month())
	assert.Equal(t, 30, got.Day())
}

func TestParseWeiboDatetimeMinutesAgo(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 30, 0, 0, cst)
	got, err := ParseWeiboDatetime("5分钟前", now)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Hour())
	assert.Equal(t, 25, got.Minute())
}

func TestParseWeiboDatetimeYesterday(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 30, 0, 0, cst)
	got, err := ParseWeiboDatetime("昨天 09:15", now)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Day())
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 15, got.Minute())
}

func TestParseWeiboDatetimeMonthDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 30, 0, 0, cst)
	got, err := ParseWeiboDatetime("03-14", now)
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.Month(3), got.Month())
	assert.Equal(t, 14, got.Day())
}

func TestParseWeiboDatetimeBareDate(t *testing.T) {
	got, err := ParseWeiboDatetime("2025-12-01", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2025, got.Year())
	assert.Equal(t, time.Month(12), got.Month())
	assert.Equal(t, 1, got.Day())
}

func TestParseWeiboDatetimeUnknownFormat(t *testing.T) {
	_, err := ParseWeiboDatetime("not a date", time.Time{})
	assert.Error(t, err)
}

func TestParseUserInfoPrefersIDOverIDStr(t *testing.T) {
	u, err := ParseUserInfo([]byte(`{"id": 123, "idstr": "456", "screen_name": "alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "123", u.UID)
	assert.Equal(t, "alice", u.Nickname)
}

func TestParseUserInfoFallsBackToGeneratedNickname(t *testing.T) {
	u, err := ParseUserInfo([]byte(`{"id": 123}`))
	require.NoError(t, err)
	assert.Equal(t, "user_123", u.Nickname)
}

func TestParseUserInfoMissingIDErrors(t *testing.T) {
	_, err := ParseUserInfo([]byte(`{}`))
	assert.Error(t, err)
}

func TestParsePostExtractsMedia(t *testing.T) {
	raw := []byte(`{
		"mblog": {
			"mid": "123",
			"bid": "abc",
			"text_raw": "hello",
			"created_at": "2025-12-01",
			"user": {"id": 1, "screen_name": "bob"},
			"pics": [{"large": {"url": "https://x.com/a/pic1.jpg"}}],
			"page_info": {
				"type": "video",
				"media_info": {"stream_url_hd": "https://x.com/a/vid1.mp4"}
			}
		}
	}`)
	p, err := ParsePost(raw, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "123", p.Mid)
	require.Len(t, p.MediaItems, 2)
	assert.Equal(t, "picture", string(p.MediaItems[0].MediaType))
	assert.Equal(t, "video", string(p.MediaItems[1].MediaType))
	assert.Equal(t, "pic1", p.MediaItems[0].FilenameHint)
}

func TestParsePostMissingMidErrors(t *testing.T) {
	_, err := ParsePost([]byte(`{"mblog": {"created_at": "2025-12-01"}}`), time.Time{})
	assert.Error(t, err)
}

func TestExtractNextCursorPresentAndAbsent(t *testing.T) {
	c := ExtractNextCursor([]byte(`{"cardlistInfo": {"since_id": 42}}`))
	require.NotNil(t, c)
	assert.Equal(t, "42", *c)

	assert.Nil(t, ExtractNextCursor([]byte(`{"cardlistInfo": {}}`)))
}
