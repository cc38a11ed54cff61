package crawler

import (
	"context"
	"sync"

	"github.com/ternarybob/aranea/internal/models"
)

// FrontierEntry is one unit of crawl work.
type FrontierEntry struct {
	URL   string
	Depth int
}

// Frontier is the deduplicating FIFO of URLs to crawl. URLs are keyed by
// their canonical form: a URL that was ever enqueued (whether still queued
// or already visited) is never enqueued again, so every URL is dequeued at
// most once per job.
//
// The frontier also owns the job's cumulative counters. Dequeue moves a URL
// into the visited set; MarkSuccess and MarkFailure only count URLs that
// were actually dequeued, while MarkSkipped counts unconditionally.
type Frontier struct {
	mu         sync.Mutex
	queue      []FrontierEntry
	visited    map[string]struct{}
	inFrontier map[string]struct{}
	stats      models.CrawlStats
	capacity   int // 0 means unbounded
	closed     bool

	canon    *Canonicalizer
	notify   chan struct{}
	closedCh chan struct{}
}

// NewFrontier creates a frontier keyed by canon's canonical form. A capacity
// of 0 leaves the queue unbounded.
func NewFrontier(canon *Canonicalizer, capacity int) *Frontier {
	return &Frontier{
		visited:    make(map[string]struct{}),
		inFrontier: make(map[string]struct{}),
		capacity:   capacity,
		canon:      canon,
		notify:     make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}
}

// Enqueue adds a URL at the given depth. It returns false when the URL was
// seen before, cannot be canonicalized, or the frontier is closed or at
// capacity.
func (f *Frontier) Enqueue(rawURL string, depth int) bool {
	normalized, err := f.canon.Canonicalize(rawURL)
	if err != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if _, ok := f.visited[normalized]; ok {
		return false
	}
	if _, ok := f.inFrontier[normalized]; ok {
		return false
	}
	if f.capacity > 0 && len(f.queue) >= f.capacity {
		return false
	}

	f.inFrontier[normalized] = struct{}{}
	f.queue = append(f.queue, FrontierEntry{URL: normalized, Depth: depth})
	f.stats.Enqueued++
	f.stats.Queued++
	f.signal()
	return true
}

// EnqueueBulk adds entries until done or the capacity is reached and returns
// how many were actually added.
func (f *Frontier) EnqueueBulk(entries []FrontierEntry) int {
	added := 0
	for _, e := range entries {
		if f.capacity > 0 && f.Size() >= f.capacity {
			break
		}
		if f.Enqueue(e.URL, e.Depth) {
			added++
		}
	}
	return added
}

// Dequeue blocks until an entry is available, the context is cancelled, or
// the frontier is closed. The second return value is false only for
// cancellation or close, never for emptiness, so callers can tell shutdown
// apart from an idle queue.
func (f *Frontier) Dequeue(ctx context.Context) (*FrontierEntry, bool) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, false
		}
		if len(f.queue) > 0 {
			entry := f.queue[0]
			f.queue = f.queue[1:]
			delete(f.inFrontier, entry.URL)
			f.visited[entry.URL] = struct{}{}
			f.stats.Queued--
			f.stats.Visited++
			if len(f.queue) > 0 {
				f.signal()
			}
			f.mu.Unlock()
			return &entry, true
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-f.closedCh:
			return nil, false
		case <-f.notify:
		}
	}
}

// signal wakes one blocked Dequeue. Callers must hold f.mu.
func (f *Frontier) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// MarkSuccess counts a dequeued URL as processed successfully.
func (f *Frontier) MarkSuccess(rawURL string) {
	normalized, err := f.canon.Canonicalize(rawURL)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[normalized]; ok {
		f.stats.OK++
	}
}

// MarkFailure counts a dequeued URL as failed.
func (f *Frontier) MarkFailure(rawURL string, reason string) {
	normalized, err := f.canon.Canonicalize(rawURL)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[normalized]; ok {
		f.stats.Failed++
	}
}

// MarkSkipped counts a URL that was rejected before processing.
func (f *Frontier) MarkSkipped(rawURL string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Skipped++
}

// IsVisited reports whether the URL was dequeued at some point.
func (f *Frontier) IsVisited(rawURL string) bool {
	normalized, err := f.canon.Canonicalize(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[normalized]
	return ok
}

// IsSeen reports whether the URL was ever enqueued.
func (f *Frontier) IsSeen(rawURL string) bool {
	normalized, err := f.canon.Canonicalize(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[normalized]; ok {
		return true
	}
	_, ok := f.inFrontier[normalized]
	return ok
}

// Size returns the number of queued entries.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// IsEmpty reports whether no entries are queued.
func (f *Frontier) IsEmpty() bool {
	return f.Size() == 0
}

// Stats returns a snapshot of the counters.
func (f *Frontier) Stats() models.CrawlStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// TotalSeen returns the number of unique URLs ever enqueued.
func (f *Frontier) TotalSeen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited) + len(f.inFrontier)
}

// Clear drops all queued entries, seen-sets, and counters.
func (f *Frontier) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	f.visited = make(map[string]struct{})
	f.inFrontier = make(map[string]struct{})
	f.stats = models.CrawlStats{}
}

// Close releases every blocked Dequeue. Entries still queued are abandoned.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.closedCh)
}
