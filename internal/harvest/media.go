package harvest

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/progress"
)

// downloadMedia fetches one media item to job.dest, skipping work
// already done by a prior run (a non-empty file already at dest) and
// streaming it in chunks to a ".part" sibling that is fsynced and
// renamed into place.
func (o *Orchestrator) downloadMedia(ctx context.Context, job mediaJob) progress.MediaOutcome {
	if fi, err := os.Stat(job.dest); err == nil && fi.Size() > 0 {
		return progress.MediaSkipped
	}
	if err := os.MkdirAll(filepath.Dir(job.dest), 0o755); err != nil {
		o.log.Error("create media dir failed", zap.String("dest", job.dest), zap.Error(err))
		return progress.MediaFailed
	}

	if err := o.streamMediaAtomic(ctx, job.item.URL, job.dest); err != nil {
		o.log.Error("media download failed", zap.String("url", job.item.URL), zap.Error(err))
		return progress.MediaFailed
	}
	return progress.MediaDownloaded
}

// streamMediaAtomic streams url into a ".part" sibling of dest via
// Context.FetchMediaTo (64 KiB chunks through the media bucket), fsyncs
// it, and renames it over dest — never leaving a half-written file at
// the final path and unlinking the ".part" on any error (missing-ok).
func (o *Orchestrator) streamMediaAtomic(ctx context.Context, mediaURL, dest string) error {
	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}

	if err := o.api.FetchMediaTo(ctx, mediaURL, f); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return err
	}
	return nil
}

// writeAtomic writes data to a ".part" sibling of dest, fsyncs it, and
// renames it over dest, never leaving a half-written file at the final
// path. Used for small, fully-buffered artifacts (metadata JSON/txt),
// unlike streamed media downloads.
func writeAtomic(dest string, data []byte) error {
	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return err
	}
	return nil
}

// mediaExt derives a file extension from the media URL's path, falling
// back to a media-type default when the URL has none.
func mediaExt(rawURL string, mediaType model.MediaType) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if ext := filepath.Ext(u.Path); ext != "" {
			return ext
		}
	}
	if mediaType == model.MediaVideo {
		return ".mp4"
	}
	return ".jpg"
}
