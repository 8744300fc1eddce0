package relays

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
	"satchel/engine/library"
)

// Stream is a long-lived subscription that survives reconnects: whenever an
// endpoint comes (back) up, the manager re-subscribes it and keeps pumping
// into the same Events channel. Consumers must deduplicate: multiple
// endpoints will deliver the same event.
type Stream struct {
	ID      string
	Events  chan *nostr.Event
	filters nostr.Filters

	// since, when set, is re-evaluated on every (re)subscribe so resumed
	// subscriptions pick up the latest checkpoint rather than a stale one.
	since func() *nostr.Timestamp

	// live subscriptions keyed by endpoint url
	subs      *xsync.MapOf[string, *nostr.Subscription]
	closeOnce sync.Once
	done      chan struct{}
}

// OpenStream registers a stream over the given filters and attaches it to
// every currently-connected endpoint. since may be nil for streams that must
// always receive everything (gift wrap delivery).
func (m *Manager) OpenStream(filters nostr.Filters, since func() *nostr.Timestamp) *Stream {
	s := &Stream{
		ID:      uuid.NewString(),
		Events:  make(chan *nostr.Event, 256),
		filters: filters,
		since:   since,
		subs:    xsync.NewMapOf[*nostr.Subscription](),
		done:    make(chan struct{}),
	}
	m.mutex.Lock()
	m.streams[s.ID] = s
	targets := make([]*endpoint, 0, len(m.order))
	for _, url := range m.order {
		if ep := m.endpoints[url]; ep.status == Connected && ep.relay != nil {
			targets = append(targets, ep)
		}
	}
	m.mutex.Unlock()
	for _, ep := range targets {
		m.attachStream(ep, s)
	}
	return s
}

// CloseStream detaches a stream from every endpoint and closes its channel.
func (m *Manager) CloseStream(id string) {
	m.mutex.Lock()
	s, exists := m.streams[id]
	delete(m.streams, id)
	m.mutex.Unlock()
	if exists {
		s.close()
	}
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.subs.Range(func(url string, sub *nostr.Subscription) bool {
			go sub.Unsub()
			return true
		})
	})
}

// attachStream subscribes one endpoint to a stream and pumps events until the
// subscription dies. A dead subscription reports the endpoint down, which
// funnels into the normal retry path.
func (m *Manager) attachStream(ep *endpoint, s *Stream) {
	select {
	case <-s.done:
		return
	default:
	}
	filters := s.filters
	if s.since != nil {
		if t := s.since(); t != nil {
			filters = make(nostr.Filters, len(s.filters))
			copy(filters, s.filters)
			for i := range filters {
				filters[i].Since = t
			}
		}
	}
	sub, err := ep.relay.Subscribe(context.Background(), filters)
	if err != nil {
		library.LogCLI("could not subscribe to "+ep.url+": "+err.Error(), 2)
		m.endpointDown(ep.url)
		return
	}
	if prior, loaded := s.subs.LoadAndStore(ep.url, sub); loaded {
		go prior.Unsub()
	}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, open := <-sub.Events:
				if !open || ev == nil {
					// Explicit closure walks the same path as a probe timeout.
					s.subs.Delete(ep.url)
					m.endpointDown(ep.url)
					return
				}
				select {
				case s.Events <- ev:
				case <-s.done:
					return
				}
			}
		}
	}()
}
