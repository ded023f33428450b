// internal/browser/session/events.go
package session

import (
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Event is one asynchronous protocol notification, such as Page.loadEventFired.
type Event struct {
	Method     string
	Params     jsontext.Value
	ReceivedAt time.Time
}

// Decode unmarshals the event parameters into v, typically a cdproto event
// struct such as *page.EventLoadEventFired.
func (e Event) Decode(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	return jsonv2.Unmarshal(e.Params, v, chromedp.DefaultUnmarshalOptions)
}

// subscription buffers events for one subscriber without bound, so the
// listener never blocks on a slow reader and never drops an event.
type subscription struct {
	method string // empty matches every event
	out    chan Event

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func newSubscription(method string) *subscription {
	s := &subscription{
		method:  method,
		out:     make(chan Event),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) matches(method string) bool {
	return s.method == "" || s.method == method
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the subscriber's channel. It closes out when stopped.
func (s *subscription) pump() {
	defer close(s.stopped)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}
