package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxyfer/weiboloader/internal/checkpoint"
	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/progress"
	"github.com/cxyfer/weiboloader/internal/weiboapi"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

// fakeUpstream serves a minimal m.weibo.cn-shaped API: one user timeline
// page of 5 posts (each with one picture), and the media bytes those
// pictures point at. Picture URLs
// are absolute (http://<server>/media/...) so Context.do's "starts with
// http" check routes them straight to the server instead of joining them
// onto BaseURL a second time.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var addr string

	mux.HandleFunc("/api/container/getIndex", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") == "uid" {
			writeJSONEnvelope(w, map[string]any{
				"userInfo": map[string]any{"id": q.Get("value"), "screen_name": "TestUser"},
			})
			return
		}

		if q.Get("page") != "" && q.Get("page") != "1" {
			writeJSONEnvelope(w, map[string]any{"cards": []any{}})
			return
		}

		var cards []any
		for i := 1; i <= 5; i++ {
			cards = append(cards, map[string]any{
				"card_type": 9,
				"mblog": map[string]any{
					"mid":        fmt.Sprintf("m%d", i),
					"created_at": fmt.Sprintf("Mon Aug 13 10:00:0%d +0800 2018", i),
					"text_raw":   fmt.Sprintf("post %d", i),
					"pics": []any{
						map[string]any{"large": map[string]any{"url": fmt.Sprintf("%s/media/pic%d.jpg", addr, i)}},
					},
				},
			})
		}
		writeJSONEnvelope(w, map[string]any{"cards": cards})
	})

	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binary-image-data"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	addr = srv.URL
	return srv
}

func writeJSONEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": 1, "data": data})
}

type collectingSink struct {
	events []progress.Event
}

func (s *collectingSink) Emit(e progress.Event) { s.events = append(s.events, e) }
func (s *collectingSink) Close()                {}

func (s *collectingSink) targetDone() (progress.Event, bool) {
	for _, e := range s.events {
		if e.Kind == progress.EventTargetDone {
			return e, true
		}
	}
	return progress.Event{}, false
}

func newTestAPI(t *testing.T, srv *httptest.Server) *weiboapi.Context {
	t.Helper()
	api, err := weiboapi.New(weiboapi.Options{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	return api
}

// TestDownloadTargetFirstRunDownloadsAllMedia: a fresh user-target run
// with 5 single-picture posts downloads 5 files,
// advances the watermark to the newest post, and clears its checkpoint.
func TestDownloadTargetFirstRunDownloadsAllMedia(t *testing.T) {
	srv := fakeUpstream(t)
	api := newTestAPI(t, srv)

	outDir := t.TempDir()
	stampsPath := filepath.Join(outDir, "stamps.json")
	sink := &collectingSink{}

	orch, err := New(api, Options{
		OutputDir:        outDir,
		DirnamePattern:   "./{nickname}/",
		LatestStampsPath: stampsPath,
	}, sink, nil)
	require.NoError(t, err)

	ok, err := orch.DownloadTarget(context.Background(), model.NewUserTarget("123456", true))
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := filepath.Glob(filepath.Join(outDir, "TestUser", "*"))
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	done, found := sink.targetDone()
	require.True(t, found)
	assert.Equal(t, 5, done.PostsProcessed)
	assert.Equal(t, 5, done.Downloaded)
	assert.Equal(t, 0, done.Skipped)
	assert.Equal(t, 0, done.Failed)
	assert.True(t, done.OK)

	ckKey := checkpoint.Key(model.NewUserTarget("123456", true).Key())
	_, err = os.Stat(filepath.Join(orch.ckpt.Dir(), ckKey+".json"))
	assert.True(t, os.IsNotExist(err), "checkpoint should be cleared on normal completion")

	stampsData, err := os.ReadFile(stampsPath)
	require.NoError(t, err)
	var stamps map[string]string
	require.NoError(t, json.Unmarshal(stampsData, &stamps))
	require.Contains(t, stamps, "u:123456")
}

// TestDownloadTargetSecondRunSkipsWatermarkedPosts: re-running against
// the same stamps file processes nothing, since every
// post's created_at is at or before the loaded watermark.
func TestDownloadTargetSecondRunSkipsWatermarkedPosts(t *testing.T) {
	srv := fakeUpstream(t)
	outDir := t.TempDir()
	stampsPath := filepath.Join(outDir, "stamps.json")

	api1 := newTestAPI(t, srv)
	orch1, err := New(api1, Options{
		OutputDir:        outDir,
		DirnamePattern:   "./{nickname}/",
		LatestStampsPath: stampsPath,
	}, &collectingSink{}, nil)
	require.NoError(t, err)
	_, err = orch1.DownloadTarget(context.Background(), model.NewUserTarget("123456", true))
	require.NoError(t, err)

	api2 := newTestAPI(t, srv)
	sink2 := &collectingSink{}
	orch2, err := New(api2, Options{
		OutputDir:        outDir,
		DirnamePattern:   "./{nickname}/",
		LatestStampsPath: stampsPath,
	}, sink2, nil)
	require.NoError(t, err)

	ok, err := orch2.DownloadTarget(context.Background(), model.NewUserTarget("123456", true))
	require.NoError(t, err)
	assert.True(t, ok)

	done, found := sink2.targetDone()
	require.True(t, found)
	assert.Equal(t, 0, done.PostsProcessed)
	assert.Equal(t, 0, done.Downloaded)
}

// failingPageUpstream serves page 1 normally (2 single-picture posts)
// and answers every later page with a 500, so the iterator's second
// fetch fails once the context's retries are exhausted.
func failingPageUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var addr string

	mux.HandleFunc("/api/container/getIndex", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") == "uid" {
			writeJSONEnvelope(w, map[string]any{
				"userInfo": map[string]any{"id": q.Get("value"), "screen_name": "TestUser"},
			})
			return
		}
		if q.Get("page") != "" && q.Get("page") != "1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var cards []any
		for i := 1; i <= 2; i++ {
			cards = append(cards, map[string]any{
				"card_type": 9,
				"mblog": map[string]any{
					"mid":        fmt.Sprintf("m%d", i),
					"created_at": fmt.Sprintf("Mon Aug 13 10:00:0%d +0800 2018", i),
					"pics": []any{
						map[string]any{"large": map[string]any{"url": fmt.Sprintf("%s/media/pic%d.jpg", addr, i)}},
					},
				},
			})
		}
		// A since_id makes the iterator ask for page 2, which will fail.
		writeJSONEnvelope(w, map[string]any{
			"cards":        cards,
			"cardlistInfo": map[string]any{"since_id": "next"},
		})
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binary-image-data"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	addr = srv.URL
	return srv
}

// TestDownloadTargetPageFailureKeepsCheckpoint: a page fetch that fails
// after its retries fails the target but leaves the checkpoint in place
// and the watermark untouched, so the next run retries the same page.
func TestDownloadTargetPageFailureKeepsCheckpoint(t *testing.T) {
	srv := failingPageUpstream(t)
	api := newTestAPI(t, srv)

	outDir := t.TempDir()
	stampsPath := filepath.Join(outDir, "stamps.json")
	sink := &collectingSink{}

	orch, err := New(api, Options{
		OutputDir:        outDir,
		DirnamePattern:   "./{nickname}/",
		LatestStampsPath: stampsPath,
	}, sink, nil)
	require.NoError(t, err)

	ok, err := orch.DownloadTarget(context.Background(), model.NewUserTarget("123456", true))
	require.NoError(t, err)
	assert.False(t, ok)

	done, found := sink.targetDone()
	require.True(t, found)
	assert.False(t, done.OK)
	assert.Equal(t, 2, done.Downloaded, "page 1's posts complete before the failure")

	ckKey := checkpoint.Key(model.NewUserTarget("123456", true).Key())
	_, statErr := os.Stat(filepath.Join(orch.ckpt.Dir(), ckKey+".json"))
	assert.NoError(t, statErr, "checkpoint must survive a page-fetch failure")

	if data, readErr := os.ReadFile(stampsPath); readErr == nil {
		var stamps map[string]string
		require.NoError(t, json.Unmarshal(data, &stamps))
		assert.NotContains(t, stamps, "u:123456", "watermark must not advance on failure")
	}
}

// TestDownloadTargetLockContentionFailsTarget: a second writer holding
// the target's checkpoint lock fails the target immediately with a
// checkpoint error instead of blocking or corrupting state.
func TestDownloadTargetLockContentionFailsTarget(t *testing.T) {
	srv := fakeUpstream(t)
	api := newTestAPI(t, srv)

	outDir := t.TempDir()
	orch, err := New(api, Options{OutputDir: outDir, DirnamePattern: "./{nickname}/"}, &collectingSink{}, nil)
	require.NoError(t, err)

	other, err := checkpoint.New(orch.ckpt.Dir(), "other-hash", nil)
	require.NoError(t, err)
	ckKey := checkpoint.Key(model.NewUserTarget("123456", true).Key())
	held, err := other.AcquireLock(ckKey)
	require.NoError(t, err)
	defer held.Release()

	ok, err := orch.DownloadTarget(context.Background(), model.NewUserTarget("123456", true))
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, weiboerr.Is(err, weiboerr.KindCheckpoint))
}
