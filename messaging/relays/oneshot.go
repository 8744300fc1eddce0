package relays

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
	"satchel/engine/library"
)

// QueryOnce runs the subscribe -> collect -> auto-unsubscribe pattern across
// every connected endpoint. It resolves on end-of-stream from all endpoints
// or on timeout, whichever comes first, and returns whatever was collected
// by then: a timeout yields a best-effort partial (possibly empty) result,
// never an error. Results are deduplicated by id and sorted newest first.
func (m *Manager) QueryOnce(ctx context.Context, filter nostr.Filter) []nostr.Event {
	sane := library.ValidateSaneExecutionTime()
	defer sane()
	m.mutex.Lock()
	var live []*endpoint
	for _, url := range m.order {
		if ep := m.endpoints[url]; ep.status == Connected && ep.relay != nil {
			live = append(live, ep)
		}
	}
	timeout := m.queryTimeout
	m.mutex.Unlock()
	if len(live) == 0 {
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events := make(map[string]nostr.Event)
	eventsMu := &deadlock.Mutex{}
	wait := &deadlock.WaitGroup{}
	for _, ep := range live {
		wait.Add(1)
		go func(ep *endpoint) {
			defer wait.Done()
			sub, err := ep.relay.Subscribe(queryCtx, nostr.Filters{filter})
			if err != nil {
				return
			}
			defer sub.Unsub()
			for {
				select {
				case <-queryCtx.Done():
					return
				case <-sub.EndOfStoredEvents:
					return
				case ev, open := <-sub.Events:
					if !open || ev == nil {
						return
					}
					eventsMu.Lock()
					events[ev.ID] = *ev
					eventsMu.Unlock()
				}
			}
		}(ep)
	}
	wait.Wait()

	collected := make([]nostr.Event, 0, len(events))
	for _, ev := range events {
		collected = append(collected, ev)
	}
	slices.SortFunc(collected, func(a, b nostr.Event) bool {
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})
	return collected
}

// QueryLatest returns the newest matching event, if any.
func (m *Manager) QueryLatest(ctx context.Context, filter nostr.Filter) (nostr.Event, bool) {
	filter.Limit = 1
	results := m.QueryOnce(ctx, filter)
	if len(results) == 0 {
		return nostr.Event{}, false
	}
	return results[0], true
}

// QueryTimeout exposes the configured one-shot budget for callers racing
// their own timers.
func (m *Manager) QueryTimeout() time.Duration {
	return m.queryTimeout
}
