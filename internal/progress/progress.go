// Package progress defines the harvest orchestrator's progress event
// protocol and two sinks: a no-op sink and a colored terminal sink built
// on github.com/fatih/color and github.com/schollz/progressbar/v3.
package progress

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// EventKind discriminates an Event.
type EventKind string

const (
	EventStage       EventKind = "stage"
	EventTargetStart EventKind = "target_start"
	EventPostDone    EventKind = "post_done"
	EventMediaDone   EventKind = "media_done"
	EventTargetDone  EventKind = "target_done"
	EventInterrupted EventKind = "interrupted"
)

// MediaOutcome is the terminal state of one media download.
type MediaOutcome string

const (
	MediaDownloaded MediaOutcome = "downloaded"
	MediaSkipped    MediaOutcome = "skipped"
	MediaFailed     MediaOutcome = "failed"
)

// Event is one progress notification emitted by the harvest orchestrator.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind           EventKind
	Message        string
	TargetKey      string
	Outcome        MediaOutcome
	MediaDone      int
	MediaTotal     int
	PostsProcessed int
	Downloaded     int
	Skipped        int
	Failed         int
	OK             bool
}

// Sink receives Events. Implementations must not block the caller for
// long, since Emit runs on the orchestrator's hot path.
type Sink interface {
	Emit(Event)
	Close()
}

// Pauser is an optional capability a Sink may implement so the HTTP
// context can suspend rendering around a blocking challenge prompt and
// resume it afterward.
type Pauser interface {
	Pause()
	Resume()
}

// NullSink discards every event.
type NullSink struct{}

func (NullSink) Emit(Event) {}
func (NullSink) Close()     {}

// TerminalSink renders progress as a single in-place status line via a
// spinner-style progressbar, with completed targets printed as
// permanent colored lines.
type TerminalSink struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar

	ok   *color.Color
	fail *color.Color
}

// NewTerminalSink builds a sink writing to the process's stderr-backed
// progress bar.
func NewTerminalSink() *TerminalSink {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Initializing..."),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &TerminalSink{
		bar:  bar,
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed),
	}
}

// Pause stops bar rendering, for use around a captcha prompt that needs
// a clean terminal.
func (s *TerminalSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Clear()
}

// Resume restarts bar rendering after Pause.
func (s *TerminalSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.RenderBlank()
}

func (s *TerminalSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case EventStage:
		s.bar.Describe(e.Message)
	case EventTargetStart:
		s.bar.Describe(fmt.Sprintf("Target: %s", e.TargetKey))
	case EventMediaDone:
		s.bar.Describe(fmt.Sprintf("Media %d/%d", e.MediaDone, e.MediaTotal))
	case EventPostDone:
		s.bar.Describe(fmt.Sprintf("Processing posts: %d", e.PostsProcessed))
	case EventTargetDone:
		s.bar.Describe("")
		if e.Failed > 0 {
			s.fail.Printf("✗ %s: %d posts, %d downloaded, %d failed\n",
				e.TargetKey, e.PostsProcessed, e.Downloaded, e.Failed)
		} else {
			s.ok.Printf("✓ %s: %d posts, %d downloaded, %d skipped\n",
				e.TargetKey, e.PostsProcessed, e.Downloaded, e.Skipped)
		}
	case EventInterrupted:
		s.bar.Describe(fmt.Sprintf("Interrupted: %s", e.TargetKey))
	}
}

func (s *TerminalSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Finish()
}
