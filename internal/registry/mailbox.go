package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errMailboxClosed is returned by Submit once the owning instance has begun
// shutting down.
var errMailboxClosed = errors.New("mailbox group closed")

const mailboxBuffer = 64

// mailboxGroup gives each key (one provider-side end-user of one bot) a
// single-consumer FIFO queue, so updates from the same end-user are handled
// strictly in arrival order while different end-users run concurrently.
// Idle consumers are reaped after idleAfter.
type mailboxGroup struct {
	mu         sync.Mutex
	boxes      map[int64]*mailbox
	wg         sync.WaitGroup
	submitters sync.WaitGroup
	closed     bool
	idleAfter  time.Duration
}

type mailbox struct {
	tasks chan func(context.Context)
}

func newMailboxGroup(idleAfter time.Duration) *mailboxGroup {
	if idleAfter <= 0 {
		idleAfter = 2 * time.Minute
	}
	return &mailboxGroup{
		boxes:     map[int64]*mailbox{},
		idleAfter: idleAfter,
	}
}

// Submit enqueues task behind everything already queued for key. It blocks
// only when the key's buffer is full, which backpressures the caller rather
// than reordering.
func (g *mailboxGroup) Submit(key int64, task func(context.Context)) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errMailboxClosed
	}
	g.submitters.Add(1)
	defer g.submitters.Done()
	mb, ok := g.boxes[key]
	if !ok {
		mb = &mailbox{tasks: make(chan func(context.Context), mailboxBuffer)}
		g.boxes[key] = mb
		g.wg.Add(1)
		go g.consume(key, mb)
	}

	select {
	case mb.tasks <- task:
		g.mu.Unlock()
		return nil
	default:
	}
	// Buffer full; the consumer is necessarily busy and will not reap the
	// mailbox, and Close waits for submitters before closing channels, so
	// blocking outside the lock is safe.
	g.mu.Unlock()
	mb.tasks <- task
	return nil
}

func (g *mailboxGroup) consume(key int64, mb *mailbox) {
	defer g.wg.Done()
	idle := time.NewTimer(g.idleAfter)
	defer idle.Stop()

	for {
		select {
		case task, ok := <-mb.tasks:
			if !ok {
				return
			}
			task(context.Background())
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(g.idleAfter)

		case <-idle.C:
			g.mu.Lock()
			if g.closed {
				// Close drains via channel close; keep consuming.
				g.mu.Unlock()
				idle.Reset(g.idleAfter)
				continue
			}
			if len(mb.tasks) == 0 {
				delete(g.boxes, key)
				g.mu.Unlock()
				return
			}
			g.mu.Unlock()
			idle.Reset(g.idleAfter)
		}
	}
}

// Close stops accepting new tasks and blocks until every queued and
// in-flight task has finished.
func (g *mailboxGroup) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.wg.Wait()
		return
	}
	g.closed = true
	g.mu.Unlock()
	// No new Submit can begin past the closed flag; wait out the ones
	// already in flight before closing their channels.
	g.submitters.Wait()
	g.mu.Lock()
	for _, mb := range g.boxes {
		close(mb.tasks)
	}
	g.mu.Unlock()
	g.wg.Wait()
}
