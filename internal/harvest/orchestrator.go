// Package harvest drives the whole run: it resolves each target, walks
// its post stream through a cursor iterator, fans out bounded-concurrency
// media downloads per post, and maintains checkpoints and watermark
// stamps so an interrupted run resumes where it stopped.
package harvest

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cxyfer/weiboloader/internal/checkpoint"
	"github.com/cxyfer/weiboloader/internal/cursor"
	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/naming"
	"github.com/cxyfer/weiboloader/internal/progress"
	"github.com/cxyfer/weiboloader/internal/weiboapi"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

var cst = time.FixedZone("CST", 8*60*60)

const perMediaTimeout = 30 * time.Second
const minPostTimeout = 60 * time.Second

// Options configures an Orchestrator.
type Options struct {
	DirnamePattern   string
	FilenamePattern  string
	NoVideos         bool
	NoPictures       bool
	Count            int
	FastUpdate       bool
	LatestStampsPath string
	MetadataJSON     bool
	PostMetadataTxt  string
	MaxWorkers       int
	NoResume         bool
	CheckpointDir    string
	OutputDir        string
}

func (o Options) normalized() Options {
	if o.FilenamePattern == "" {
		o.FilenamePattern = "{date}_{name}"
	}
	if o.Count < 0 {
		o.Count = 0
	}
	if o.MaxWorkers < 1 {
		o.MaxWorkers = 4
	}
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
	return o
}

// Orchestrator is the Harvest Orchestrator.
type Orchestrator struct {
	api  *weiboapi.Context
	opts Options
	sink progress.Sink
	log  *zap.Logger

	optionsHash string
	ckpt        *checkpoint.Manager

	stampsPath  string
	mu          sync.Mutex
	stamps      map[string]time.Time
	savedStamps string
	activeIters map[string]*cursor.Iterator
}

// New builds an Orchestrator rooted at opts.OutputDir, creating the
// output and checkpoint directories if necessary.
func New(api *weiboapi.Context, opts Options, sink progress.Sink, log *zap.Logger) (*Orchestrator, error) {
	opts = opts.normalized()
	if sink == nil {
		sink = progress.NullSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("harvest: create output dir: %w", err)
	}

	optionsHash := hashOptions(opts)
	ckptDir := opts.CheckpointDir
	if ckptDir == "" {
		ckptDir = filepath.Join(opts.OutputDir, ".checkpoints")
	}
	ckpt, err := checkpoint.New(ckptDir, optionsHash, log)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		api:         api,
		opts:        opts,
		sink:        sink,
		log:         log,
		optionsHash: optionsHash,
		ckpt:        ckpt,
		stampsPath:  opts.LatestStampsPath,
		activeIters: make(map[string]*cursor.Iterator),
	}
	o.stamps = o.loadStamps()
	o.savedStamps = o.serializeStamps()
	return o, nil
}

func hashOptions(o Options) string {
	payload := map[string]any{
		"dirname":     o.DirnamePattern,
		"filename":    o.FilenamePattern,
		"no_videos":   o.NoVideos,
		"no_pictures": o.NoPictures,
		"count":       o.Count,
		"fast_update": o.FastUpdate,
	}
	raw, _ := json.Marshal(payload) // map keys are sorted by encoding/json
	sum := sha1.Sum(raw)            //nolint:gosec // fixed-length identifier, not a security use
	return hex.EncodeToString(sum[:])[:16]
}

func (o *Orchestrator) safeEmit(e progress.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Debug("sink emit panicked", zap.Any("recover", r))
		}
	}()
	o.sink.Emit(e)
}

// DownloadTargets downloads every target in sequence. One target's
// failure never aborts the rest. Stamps are saved as each target ends
// and once more after the last target.
func (o *Orchestrator) DownloadTargets(ctx context.Context, targets []model.TargetSpec) (map[string]bool, error) {
	// A per-run id on every log line keeps back-to-back runs against the
	// same log sink distinguishable.
	o.log = o.log.With(zap.String("run_id", uuid.NewString()))

	results := make(map[string]bool, len(targets))
	for _, target := range targets {
		key := target.Key()
		ok, err := o.DownloadTarget(ctx, target)
		if err != nil {
			if weiboerr.Is(err, weiboerr.KindInit) {
				return results, err
			}
			if ctx.Err() != nil {
				o.Flush()
				return results, weiboerr.ErrInterrupted
			}
			o.log.Error("target failed", zap.String("key", key), zap.Error(err))
			results[key] = false
			continue
		}
		results[key] = ok
	}
	o.saveStamps()
	return results, nil
}

// DownloadTarget resolves target, walks its post stream, and downloads
// media for each post not already covered by a prior run's watermark.
func (o *Orchestrator) DownloadTarget(ctx context.Context, target model.TargetSpec) (bool, error) {
	key := target.Key()

	resolved, dirVars, err := o.resolveTarget(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return false, weiboerr.ErrInterrupted
		}
		o.log.Error("resolve failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	resolvedKey := resolved.Key()
	ckKey := checkpoint.Key(resolvedKey)

	// Single writer per target: hold the checkpoint lock for the whole
	// target run. Contention means another run is already harvesting this
	// target; fail it and move on rather than fight over the checkpoint.
	if !o.opts.NoResume {
		lock, err := o.ckpt.AcquireLock(ckKey)
		if err != nil {
			return false, err
		}
		defer lock.Release()
	}

	it, err := o.createIterator(ctx, resolved, ckKey)
	if err != nil {
		if ctx.Err() != nil {
			return false, weiboerr.ErrInterrupted
		}
		o.log.Error("create iterator failed", zap.String("key", resolvedKey), zap.Error(err))
		return false, nil
	}
	o.mu.Lock()
	o.activeIters[ckKey] = it
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.activeIters, ckKey)
		o.mu.Unlock()
	}()

	targetDir, err := o.buildDir(resolved, dirVars)
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	cutoff, hasCutoff := o.stamps[resolvedKey]
	o.mu.Unlock()

	var (
		processed  int
		downloaded int
		skipped    int
		failed     int
		ok         = true
		newest     time.Time
		hasNewest  bool
	)

	o.safeEmit(progress.Event{Kind: progress.EventTargetStart, TargetKey: resolvedKey})

	for {
		if ctx.Err() != nil {
			o.safeEmit(progress.Event{Kind: progress.EventInterrupted, TargetKey: resolvedKey})
			o.handleUnwind(ckKey, it)
			o.safeEmit(progress.Event{Kind: progress.EventTargetDone, TargetKey: resolvedKey,
				PostsProcessed: processed, Downloaded: downloaded, Skipped: skipped, Failed: failed, OK: false})
			return false, weiboerr.ErrInterrupted
		}
		if o.opts.Count > 0 && processed >= o.opts.Count {
			break
		}

		post, has, err := it.Next(ctx)
		if err != nil {
			// A page fetch failed after its own retries. Keep the
			// checkpoint so the next run re-requests the same page, and
			// fail the target without advancing stamps past work that
			// never happened.
			o.log.Error("iterator advance failed", zap.String("key", resolvedKey), zap.Error(err))
			o.handleUnwind(ckKey, it)
			o.safeEmit(progress.Event{Kind: progress.EventTargetDone, TargetKey: resolvedKey,
				PostsProcessed: processed, Downloaded: downloaded, Skipped: skipped, Failed: failed, OK: false})
			return false, nil
		}
		if !has {
			break
		}

		p := post.Payload.(*model.Post)
		created := inCST(p.CreatedAt)
		if hasCutoff && !created.After(cutoff) {
			break
		}

		jobs := o.mediaJobs(targetDir, p)
		if o.opts.FastUpdate && anyExistsNonEmpty(jobs) {
			break
		}

		if o.opts.MetadataJSON {
			o.writeJSON(targetDir, p)
		}
		if o.opts.PostMetadataTxt != "" {
			o.writeTxt(targetDir, p)
		}

		postIndex := processed + 1
		dl, sk, fl, timedOut := o.downloadPost(ctx, jobs, resolvedKey, postIndex)
		downloaded += dl
		skipped += sk
		failed += fl
		if fl > 0 {
			ok = false
		}

		processed++
		if !timedOut && (!hasNewest || created.After(newest)) {
			newest, hasNewest = created, true
		}
		if !timedOut {
			o.saveCheckpoint(ckKey, it)
		}
		o.safeEmit(progress.Event{Kind: progress.EventPostDone, PostsProcessed: processed})
	}

	if hasNewest && (!hasCutoff || newest.After(cutoff)) {
		o.mu.Lock()
		o.stamps[resolvedKey] = newest
		o.mu.Unlock()
	}
	o.clearCheckpoint(ckKey)
	o.saveStamps()

	o.safeEmit(progress.Event{Kind: progress.EventTargetDone, TargetKey: resolvedKey,
		PostsProcessed: processed, Downloaded: downloaded, Skipped: skipped, Failed: failed, OK: ok})
	return ok, nil
}

// handleUnwind persists resumable state when a target stops abnormally
// (interrupt or page-fetch failure). The watermark for this target is
// deliberately NOT advanced: the checkpoint still points at unprocessed
// pages, and a moved watermark would make the next run's cutoff gate
// fire before those pages are reached. Only a normal end advances it.
func (o *Orchestrator) handleUnwind(ckKey string, it *cursor.Iterator) {
	o.saveCheckpoint(ckKey, it)
	o.saveStamps()
}

// Flush persists every still-active iterator's checkpoint and the
// watermark stamps, for use when unwinding on interrupt.
func (o *Orchestrator) Flush() {
	o.mu.Lock()
	iters := make(map[string]*cursor.Iterator, len(o.activeIters))
	for k, v := range o.activeIters {
		iters[k] = v
	}
	o.mu.Unlock()

	for key, it := range iters {
		o.saveCheckpoint(key, it)
	}
	o.saveStamps()
}

// saveCheckpoint persists it's frozen state under ckKey. The caller
// (DownloadTarget) already holds the target's checkpoint lock for the
// whole run, so no per-save acquisition happens here.
func (o *Orchestrator) saveCheckpoint(ckKey string, it *cursor.Iterator) {
	if o.opts.NoResume {
		return
	}
	frozen := it.Freeze()
	if err := o.ckpt.Save(ckKey, model.CursorState{
		Page:        frozen.Page,
		Cursor:      frozen.Cursor,
		SeenMids:    frozen.SeenMids,
		OptionsHash: o.optionsHash,
		Timestamp:   time.Now().In(cst).Format(time.RFC3339),
	}); err != nil {
		o.log.Warn("checkpoint save failed", zap.String("key", ckKey), zap.Error(err))
	}
}

func (o *Orchestrator) clearCheckpoint(ckKey string) {
	if o.opts.NoResume {
		return
	}
	if err := o.ckpt.Clear(ckKey); err != nil {
		o.log.Warn("checkpoint clear failed", zap.String("key", ckKey), zap.Error(err))
	}
}

func inCST(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(cst)
}

func anyExistsNonEmpty(jobs []mediaJob) bool {
	for _, j := range jobs {
		if fi, err := os.Stat(j.dest); err == nil && fi.Size() > 0 {
			return true
		}
	}
	return false
}

// downloadPost fans out jobs across a bounded worker pool with a
// per-post timeout; jobs still pending when the timeout fires count as
// failed.
func (o *Orchestrator) downloadPost(ctx context.Context, jobs []mediaJob, targetKey string, postIndex int) (downloaded, skipped, failed int, timedOut bool) {
	if len(jobs) == 0 {
		return 0, 0, 0, false
	}

	timeoutSecs := math.Max(float64(minPostTimeout/time.Second), float64(len(jobs))*perMediaTimeout.Seconds())
	postCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	sem := semaphore.NewWeighted(int64(o.opts.MaxWorkers))
	var mu sync.Mutex
	mediaTotal := len(jobs)
	mediaDone := 0

	record := func(outcome progress.MediaOutcome, dest string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case progress.MediaDownloaded:
			downloaded++
		case progress.MediaSkipped:
			skipped++
		default:
			failed++
		}
		mediaDone++
		o.safeEmit(progress.Event{
			Kind: progress.EventMediaDone, Outcome: outcome,
			MediaDone: mediaDone, MediaTotal: mediaTotal,
			PostsProcessed: postIndex, Message: filepath.Base(dest),
		})
	}

	g, gctx := errgroup.WithContext(postCtx)
	for _, job := range jobs {
		job := job
		if err := sem.Acquire(gctx, 1); err != nil {
			record(progress.MediaFailed, job.dest)
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			record(o.downloadMedia(gctx, job), job.dest)
			return nil
		})
	}
	_ = g.Wait()

	// A post whose deadline fired must NOT be checkpointed past: the
	// next run retries the same page instead of skipping unresolved
	// work. A parent-context cancellation is an interrupt, not a
	// timeout; the caller's unwind path handles that separately.
	if postCtx.Err() != nil && ctx.Err() == nil {
		timedOut = true
	}
	return downloaded, skipped, failed, timedOut
}

type mediaJob struct {
	item model.MediaItem
	dest string
}

func (o *Orchestrator) mediaJobs(targetDir string, post *model.Post) []mediaJob {
	var jobs []mediaJob
	seen := make(map[string]struct{})
	for _, media := range post.MediaItems {
		if media.MediaType == model.MediaVideo && o.opts.NoVideos {
			continue
		}
		if media.MediaType == model.MediaPicture && o.opts.NoPictures {
			continue
		}
		dest := o.mediaPath(targetDir, post, media, seen)
		seen[dest] = struct{}{}
		jobs = append(jobs, mediaJob{item: media, dest: dest})
	}
	return jobs
}

func (o *Orchestrator) mediaPath(targetDir string, post *model.Post, media model.MediaItem, seen map[string]struct{}) string {
	name := media.FilenameHint
	if name == "" {
		name = fmt.Sprintf("%s_%d", media.MediaType, media.Index)
	}

	var nickname, uid string
	if post.User != nil {
		nickname, uid = post.User.Nickname, post.User.UID
	}
	created := inCST(post.CreatedAt)

	filename := naming.BuildFilename(o.opts.FilenamePattern, post.Mid, naming.Vars{
		Mid: post.Mid, Bid: post.Bid, Text: post.Text, Type: string(media.MediaType),
		Name: name, Nickname: nickname, UID: uid,
		Date:  &created,
		Index: &media.Index,
	})

	ext := mediaExt(media.URL, media.MediaType)
	if !hasSuffixFold(filename, ext) {
		filename += ext
	}

	path := filepath.Join(targetDir, filename)
	if _, dup := seen[path]; !dup {
		return path
	}
	ext2 := filepath.Ext(path)
	stem := path[:len(path)-len(ext2)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext2)
		if _, dup := seen[candidate]; !dup {
			return candidate
		}
	}
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

func (o *Orchestrator) writeJSON(targetDir string, post *model.Post) {
	path := filepath.Join(targetDir, post.Mid+".json")
	data, err := json.MarshalIndent(post.Raw, "", "  ")
	if err != nil {
		o.log.Warn("marshal post metadata failed", zap.String("mid", post.Mid), zap.Error(err))
		return
	}
	if err := writeAtomic(path, data); err != nil {
		o.log.Warn("write post metadata failed", zap.String("mid", post.Mid), zap.Error(err))
	}
}

func (o *Orchestrator) writeTxt(targetDir string, post *model.Post) {
	path := filepath.Join(targetDir, post.Mid+".txt")
	if err := writeAtomic(path, []byte(o.opts.PostMetadataTxt)); err != nil {
		o.log.Warn("write post metadata txt failed", zap.String("mid", post.Mid), zap.Error(err))
	}
}
