// Package cursor implements a lazy, deduplicating, restartable post
// stream over a paginated upstream feed.
package cursor

import (
	"container/ring"
	"context"
)

// maxSeenMids bounds the in-memory/checkpointed dedup set. Beyond this
// many distinct mids, the oldest entries are evicted via a ring buffer;
// long-tail duplicates beyond the window are instead caught by the
// watermark comparison in the harvest orchestrator (open question,
// resolved in SPEC_FULL.md: bounded recency window, not unbounded memory).
const maxSeenMids = 10000

// PageFetcher fetches one page of posts for a target, given the current
// cursor (nil on the first page). It returns the posts on that page, the
// cursor to request the next page (nil when exhausted), and an error.
type PageFetcher func(ctx context.Context, page int, cursor *string) (posts []Post, nextCursor *string, err error)

// Post is the minimal shape the iterator needs to dedup and order; the
// harvest orchestrator deals in the richer model.Post and wraps each one
// in this struct (see harvest's toCursorPosts).
type Post struct {
	Mid       string
	CreatedAt int64 // unix seconds; the iterator does not read it, and the orchestrator's watermark gate reads Payload's CreatedAt
	Payload   any   // the full model.Post, carried through opaquely
}

// seenSet is a bounded, insertion-ordered set of mids backed by a ring
// buffer: O(1) membership test and O(1) eviction of the oldest entry once
// the ring fills, per the Open Question decision in SPEC_FULL.md.
type seenSet struct {
	index map[string]struct{}
	order *ring.Ring // ring of string mid, len == maxSeenMids once filled
	pos   *ring.Ring // write cursor
	count int
}

func newSeenSet(existing []string) *seenSet {
	s := &seenSet{
		index: make(map[string]struct{}, maxSeenMids),
		order: ring.New(maxSeenMids),
	}
	s.pos = s.order
	for _, mid := range existing {
		s.add(mid)
	}
	return s
}

func (s *seenSet) has(mid string) bool {
	_, ok := s.index[mid]
	return ok
}

func (s *seenSet) add(mid string) {
	if s.has(mid) {
		return
	}
	if s.count == maxSeenMids {
		if old, ok := s.pos.Value.(string); ok {
			delete(s.index, old)
		}
	} else {
		s.count++
	}
	s.pos.Value = mid
	s.index[mid] = struct{}{}
	s.pos = s.pos.Next()
}

// snapshot returns the currently-held mids in no particular order, for
// checkpointing.
func (s *seenSet) snapshot() []string {
	out := make([]string, 0, len(s.index))
	for mid := range s.index {
		out = append(out, mid)
	}
	return out
}

// State is the durable cursor position, matching model.CursorState's
// shape but kept independent of the model package so this package has no
// dependency on it; the harvest orchestrator converts at the boundary.
type State struct {
	Page     int
	Cursor   *string
	SeenMids []string
}

// Iterator lazily walks a paginated post stream, deduplicating by mid and
// supporting freeze/thaw for checkpointing. It fetches the next page only
// when the caller asks for more.
type Iterator struct {
	fetch PageFetcher
	seen  *seenSet

	// page and cursor identify the page currently held in buf (or, before
	// the first fetch, the page about to be fetched). They are advanced
	// only once buf has been fully drained — see advance() — so that
	// Freeze() taken mid-page always yields a state that re-requests the
	// exact same page rather than skipping its unconsumed remainder.
	page   int
	cursor *string

	// pendingCursor is the cursor the upstream returned for the page
	// *after* the one currently buffered; it is only promoted into
	// cursor once that next page is actually fetched.
	pendingCursor *string
	fetchedOnce   bool

	buf       []Post
	bufIdx    int
	exhausted bool

	// singleMode serves exactly one caller-supplied Post without ever
	// calling fetch, for TargetMid.
	singleMode bool
	single     *Post
	singleDone bool
}

// New builds an Iterator starting from state (zero value for a fresh
// run — pages are 1-indexed, so a zero Page means "start at page 1").
// fetch is called lazily, only once Next has drained the buffered page;
// a single Next call fetches more than once when a fetched page holds
// only already-seen mids.
func New(fetch PageFetcher, state State) *Iterator {
	page := state.Page
	if page == 0 {
		page = 1
	}
	return &Iterator{
		fetch:  fetch,
		seen:   newSeenSet(state.SeenMids),
		page:   page,
		cursor: state.Cursor,
	}
}

// NewSingle builds an Iterator that yields exactly one pre-resolved post
// and then stops, used for TargetMid.
func NewSingle(post Post) *Iterator {
	return &Iterator{
		seen:       newSeenSet(nil),
		singleMode: true,
		single:     &post,
	}
}

// Next returns the next not-yet-seen post, or (Post{}, false, nil) once
// the stream is exhausted. It blocks only on the underlying fetch.
func (it *Iterator) Next(ctx context.Context) (Post, bool, error) {
	if it.singleMode {
		if it.singleDone {
			return Post{}, false, nil
		}
		it.singleDone = true
		it.seen.add(it.single.Mid)
		return *it.single, true, nil
	}

	for {
		if it.bufIdx < len(it.buf) {
			p := it.buf[it.bufIdx]
			it.bufIdx++
			if it.seen.has(p.Mid) {
				continue
			}
			it.seen.add(p.Mid)
			return p, true, nil
		}
		if it.exhausted {
			return Post{}, false, nil
		}
		if err := it.advance(ctx); err != nil {
			return Post{}, false, err
		}
	}
}

// advance fetches the next page. It is only called once buf has been
// fully drained, so it is safe to commit the page/cursor that produced
// the outgoing fetch into it.page/it.cursor: whatever Freeze() observes
// afterwards (whether called now or mid-way through the new buffer)
// always describes a page that can be re-fetched verbatim.
func (it *Iterator) advance(ctx context.Context) error {
	fetchPage := it.page
	fetchCursor := it.cursor
	if it.fetchedOnce {
		fetchPage = it.page + 1
		fetchCursor = it.pendingCursor
	}

	posts, next, err := it.fetch(ctx, fetchPage, fetchCursor)
	if err != nil {
		return err
	}
	it.page = fetchPage
	it.cursor = fetchCursor
	it.pendingCursor = next
	it.fetchedOnce = true
	it.buf = posts
	it.bufIdx = 0
	if next == nil || len(posts) == 0 {
		it.exhausted = true
	}
	return nil
}

// Freeze captures the iterator's resumable state for checkpointing.
// page/cursor always identify the page whose data is currently (or was
// most recently) buffered, never a page ahead of it — so a freeze taken
// after only some of that page's posts have been yielded re-fetches the
// same page on thaw instead of skipping its remainder. seen_mids already
// covers the posts already yielded, so the re-fetch only re-surfaces the
// not-yet-consumed suffix.
func (it *Iterator) Freeze() State {
	return State{
		Page:     it.page,
		Cursor:   it.cursor,
		SeenMids: it.seen.snapshot(),
	}
}
