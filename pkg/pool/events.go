package pool

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

// Event describes a node whose list membership changed.
type Event struct {
	Pool    string
	Node    *node.Node
	Status  node.Status
	At      time.Time
	Healthy int
	Faulty  int
}

// Subscribe returns a channel of membership events. The returned channel is
// buffered and closed automatically when ctx is done. Events may be dropped
// if the consumer is too slow (best-effort delivery).
func (p *Pool) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	p.events.add(ch)
	go func() {
		<-ctx.Done()
		p.events.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
	e.mu.Unlock()
}
