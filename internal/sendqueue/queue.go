// Package sendqueue serializes every outbound gateway verb behind one
// worker with fixed inter-send spacing, keeping the account under the
// provider's send-rate ceiling.
package sendqueue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yydsdd211/xybot/internal/protocol"
)

// ErrCancelled resolves items whose Cancel() won before the worker
// reached them.
var ErrCancelled = errors.New("send cancelled")

const rateLimitPenalty = 5 * time.Second

// SendFunc is the deferred verb invocation.
type SendFunc func(ctx context.Context) (any, error)

// Item is one enqueued send; a future resolving with the verb's typed
// result.
type Item struct {
	ID string

	fn   SendFunc
	done chan struct{}

	mu        sync.Mutex
	cancelled bool
	result    any
	err       error
}

// Cancel marks the item; honored only before the worker starts the
// call. Returns whether the cancel was recorded in time.
func (it *Item) Cancel() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	select {
	case <-it.done:
		return false
	default:
	}
	it.cancelled = true
	return true
}

func (it *Item) isCancelled() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.cancelled
}

func (it *Item) resolve(result any, err error) {
	it.mu.Lock()
	it.result = result
	it.err = err
	it.mu.Unlock()
	close(it.done)
}

// Wait blocks until the item resolves or ctx expires.
func (it *Item) Wait(ctx context.Context) (any, error) {
	select {
	case <-it.done:
		it.mu.Lock()
		defer it.mu.Unlock()
		return it.result, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is the unbounded FIFO.
type Queue struct {
	spacing time.Duration

	mu    sync.Mutex
	cond  *sync.Cond
	items []*Item

	closed bool
}

func New(spacing time.Duration) *Queue {
	q := &Queue{spacing: spacing}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends fn and returns its future.
func (q *Queue) Enqueue(fn SendFunc) *Item {
	it := &Item{
		ID:   uuid.NewString(),
		fn:   fn,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.resolve(nil, ErrCancelled)
		return it
	}
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.cond.Signal()
	return it
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains the queue until ctx is cancelled. Verb errors resolve the
// item and the worker continues; a rate-limited error injects an extra
// delay and retries the same item once.
func (q *Queue) Run(ctx context.Context) {
	// Wake the cond wait when ctx dies so Run can return.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()

	for {
		it, ok := q.pop()
		if !ok {
			q.drainRemaining()
			return
		}
		if it.isCancelled() {
			it.resolve(nil, ErrCancelled)
			continue
		}

		result, err := it.fn(ctx)
		if err != nil && isRateLimited(err) {
			log.Printf("[sendqueue] rate limited, backing off %s before retry", rateLimitPenalty)
			select {
			case <-ctx.Done():
			case <-time.After(rateLimitPenalty):
				result, err = it.fn(ctx)
			}
		}
		it.resolve(result, err)

		select {
		case <-ctx.Done():
			q.drainRemaining()
			return
		case <-time.After(q.spacing):
		}
	}
}

func (q *Queue) pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *Queue) drainRemaining() {
	q.mu.Lock()
	remaining := q.items
	q.items = nil
	q.mu.Unlock()
	for _, it := range remaining {
		it.resolve(nil, ErrCancelled)
	}
}

func isRateLimited(err error) bool {
	var apiErr *protocol.APIError
	return errors.As(err, &apiErr) && apiErr.Code == protocol.CodeRateLimited
}
