package chrome

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// eventQueue is an unbounded FIFO drained by a single worker, so paused
// requests are resolved in the order Chrome emitted them without blocking
// chromedp's event loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []*fetch.EventRequestPaused
	wake   chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev *fetch.EventRequestPaused) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(handle func(*fetch.EventRequestPaused)) {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return
			}
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			handle(ev)
		}
	}
}

// flattenHeaders converts CDP headers into a single-valued map. Chrome joins
// repeated headers with newlines; those become ", " separated.
func flattenHeaders(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		switch v := value.(type) {
		case string:
			out[name] = strings.Join(strings.Split(v, "\n"), ", ")
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[name] = strings.Join(parts, ", ")
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out
}

func headerEntries(headers map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}
	return entries
}
