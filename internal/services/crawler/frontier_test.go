package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFrontier(t *testing.T, capacity int) *Frontier {
	t.Helper()
	return NewFrontier(newCanon(t, "utm_*"), capacity)
}

func dequeueNow(t *testing.T, f *Frontier) *FrontierEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, ok := f.Dequeue(ctx)
	require.True(t, ok, "expected a queued entry")
	return entry
}

func TestFrontierDedupesOnCanonicalForm(t *testing.T) {
	f := newTestFrontier(t, 0)

	assert.True(t, f.Enqueue("http://Example.com/a?b=2&a=1#frag", 0))
	assert.False(t, f.Enqueue("http://example.com/a?a=1&b=2", 0), "same canonical URL")
	assert.False(t, f.Enqueue("http://example.com/a?a=1&b=2&utm_source=x", 1), "ignored params do not make a new URL")

	assert.Equal(t, 1, f.Size())
	assert.True(t, f.IsSeen("http://example.com/a?a=1&b=2"))
	assert.False(t, f.IsVisited("http://example.com/a?a=1&b=2"))
}

func TestFrontierRejectsUnparseable(t *testing.T) {
	f := newTestFrontier(t, 0)
	assert.False(t, f.Enqueue("http://exa mple.com/", 0))
	assert.Equal(t, 0, f.Size())
}

func TestFrontierFIFO(t *testing.T) {
	f := newTestFrontier(t, 0)

	require.True(t, f.Enqueue("http://example.com/1", 0))
	require.True(t, f.Enqueue("http://example.com/2", 1))
	require.True(t, f.Enqueue("http://example.com/3", 1))

	assert.Equal(t, "http://example.com/1", dequeueNow(t, f).URL)
	assert.Equal(t, "http://example.com/2", dequeueNow(t, f).URL)
	third := dequeueNow(t, f)
	assert.Equal(t, "http://example.com/3", third.URL)
	assert.Equal(t, 1, third.Depth)
}

func TestFrontierVisitedNeverRequeued(t *testing.T) {
	f := newTestFrontier(t, 0)

	require.True(t, f.Enqueue("http://example.com/a", 0))
	entry := dequeueNow(t, f)

	assert.True(t, f.IsVisited(entry.URL))
	assert.False(t, f.Enqueue(entry.URL, 2), "a dequeued URL is never enqueued again")
	assert.Equal(t, 0, f.Size())
}

func TestFrontierCounters(t *testing.T) {
	f := newTestFrontier(t, 0)

	require.True(t, f.Enqueue("http://example.com/a", 0))
	require.True(t, f.Enqueue("http://example.com/b", 0))
	require.True(t, f.Enqueue("http://example.com/c", 0))

	stats := f.Stats()
	assert.Equal(t, 3, stats.Enqueued)
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 0, stats.Visited)

	a := dequeueNow(t, f)
	b := dequeueNow(t, f)
	c := dequeueNow(t, f)

	f.MarkSuccess(a.URL)
	f.MarkFailure(b.URL, "extraction failed")
	f.MarkSkipped(c.URL, "robots disallowed")

	stats = f.Stats()
	assert.Equal(t, 3, stats.Visited)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.OK)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, stats.Visited, stats.OK+stats.Failed+stats.Skipped)
}

func TestFrontierMarksRequireDequeue(t *testing.T) {
	f := newTestFrontier(t, 0)

	require.True(t, f.Enqueue("http://example.com/queued", 0))
	f.MarkSuccess("http://example.com/queued")
	f.MarkFailure("http://example.com/never-seen", "nope")

	stats := f.Stats()
	assert.Equal(t, 0, stats.OK, "success only counts after dequeue")
	assert.Equal(t, 0, stats.Failed)
}

func TestFrontierCapacity(t *testing.T) {
	f := newTestFrontier(t, 2)

	assert.True(t, f.Enqueue("http://example.com/1", 0))
	assert.True(t, f.Enqueue("http://example.com/2", 0))
	assert.False(t, f.Enqueue("http://example.com/3", 0), "queue at capacity")

	dequeueNow(t, f)
	assert.True(t, f.Enqueue("http://example.com/3", 0), "capacity freed by dequeue")
}

func TestFrontierEnqueueBulk(t *testing.T) {
	f := newTestFrontier(t, 3)

	added := f.EnqueueBulk([]FrontierEntry{
		{URL: "http://example.com/1", Depth: 1},
		{URL: "http://example.com/1", Depth: 1},
		{URL: "http://example.com/2", Depth: 1},
		{URL: "http://example.com/3", Depth: 1},
		{URL: "http://example.com/4", Depth: 1},
	})
	assert.Equal(t, 3, added, "duplicate dropped, capacity caps the rest")
	assert.Equal(t, 3, f.Size())
}

func TestFrontierDequeueBlocksUntilEnqueue(t *testing.T) {
	f := newTestFrontier(t, 0)

	got := make(chan *FrontierEntry, 1)
	go func() {
		entry, ok := f.Dequeue(context.Background())
		if ok {
			got <- entry
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, f.Enqueue("http://example.com/late", 0))

	select {
	case entry := <-got:
		assert.Equal(t, "http://example.com/late", entry.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake up after Enqueue")
	}
}

func TestFrontierDequeueCancel(t *testing.T) {
	f := newTestFrontier(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := f.Dequeue(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not observe cancellation")
	}
}

func TestFrontierClose(t *testing.T) {
	f := newTestFrontier(t, 0)

	done := make(chan bool, 1)
	go func() {
		_, ok := f.Dequeue(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	f.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not observe Close")
	}

	assert.False(t, f.Enqueue("http://example.com/after", 0), "closed frontier rejects new work")
	f.Close() // idempotent
}

func TestFrontierClear(t *testing.T) {
	f := newTestFrontier(t, 0)

	require.True(t, f.Enqueue("http://example.com/a", 0))
	dequeueNow(t, f)
	require.True(t, f.Enqueue("http://example.com/b", 0))
	assert.Equal(t, 2, f.TotalSeen())

	f.Clear()

	assert.Equal(t, 0, f.Size())
	assert.Equal(t, 0, f.TotalSeen())
	assert.Equal(t, 0, f.Stats().Enqueued)
	assert.True(t, f.Enqueue("http://example.com/a", 0), "cleared frontier forgets seen URLs")
}

func TestFrontierTotalSeen(t *testing.T) {
	f := newTestFrontier(t, 0)

	require.True(t, f.Enqueue("http://example.com/a", 0))
	require.True(t, f.Enqueue("http://example.com/b", 0))
	dequeueNow(t, f)

	assert.Equal(t, 2, f.TotalSeen(), "visited plus queued")
	assert.False(t, f.IsEmpty())
}
