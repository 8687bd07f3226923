package cursor

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedFetcher adapts a 0-indexed slice of pages to the iterator's
// 1-indexed page numbering (New starts a fresh iterator at page 1).
func pagedFetcher(pages [][]Post) PageFetcher {
	return func(_ context.Context, page int, _ *string) ([]Post, *string, error) {
		idx := page - 1
		if idx < 0 || idx >= len(pages) {
			return nil, nil, nil
		}
		var nextCursor *string
		if idx+1 < len(pages) {
			s := "c"
			nextCursor = &s
		}
		return pages[idx], nextCursor, nil
	}
}

func TestIteratorYieldsAllAcrossPages(t *testing.T) {
	pages := [][]Post{
		{{Mid: "1"}, {Mid: "2"}},
		{{Mid: "3"}},
	}
	it := New(pagedFetcher(pages), State{})

	var got []string
	for {
		p, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, p.Mid)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestIteratorDeduplicatesByMid(t *testing.T) {
	pages := [][]Post{
		{{Mid: "1"}, {Mid: "2"}},
		{{Mid: "2"}, {Mid: "3"}},
	}
	it := New(pagedFetcher(pages), State{})

	var got []string
	for {
		p, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, p.Mid)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestIteratorResumesFromFrozenState(t *testing.T) {
	pages := [][]Post{
		{{Mid: "1"}, {Mid: "2"}},
		{{Mid: "3"}},
	}
	it := New(pagedFetcher(pages), State{})
	_, _, _ = it.Next(context.Background())
	frozen := it.Freeze()

	it2 := New(pagedFetcher(pages), frozen)
	p, ok, err := it2.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", p.Mid)
}

func TestIteratorSingleModeYieldsOnce(t *testing.T) {
	it := NewSingle(Post{Mid: "only"})

	p, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "only", p.Mid)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeenSetEvictsOldestBeyondBound(t *testing.T) {
	s := newSeenSet(nil)
	for i := 0; i < maxSeenMids+10; i++ {
		s.add(strconv.Itoa(i))
	}
	assert.False(t, s.has(strconv.Itoa(0)))
	assert.True(t, s.has(strconv.Itoa(maxSeenMids+9)))
	assert.Len(t, s.snapshot(), maxSeenMids)
}
