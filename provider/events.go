package provider

import (
	"sync"

	"github.com/vitwit/ivxp/types"
)

// Event is a terminal notification about an order.
type Event struct {
	Name string
	Data types.StreamEvent
}

// broker fans order events out to stream subscribers.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan Event]struct{})}
}

// subscribe returns a channel receiving the events of orderID and a func
// that ends the subscription.
func (b *broker) subscribe(orderID string) (<-chan Event, func()) {
	ch := make(chan Event, 4)

	b.mu.Lock()
	if b.subs[orderID] == nil {
		b.subs[orderID] = make(map[chan Event]struct{})
	}
	b.subs[orderID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[orderID], ch)
			if len(b.subs[orderID]) == 0 {
				delete(b.subs, orderID)
			}
		})
	}
}

// publish never blocks; a subscriber with a full buffer misses the event
// and recovers it from the order status.
func (b *broker) publish(orderID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[orderID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broker) subscribers(orderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[orderID])
}
