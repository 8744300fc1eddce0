package relays

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/actors"
	"satchel/engine/library"
)

// SubmissionError carries the relay's own rejection message back to the
// caller when not a single endpoint accepted an event.
type SubmissionError struct {
	EventID library.Sha256
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("event %s was not accepted by any relay: %s", e.EventID, e.Message)
}

// Publish fans an event out to every connected endpoint. It succeeds when at
// least one relay accepts; per-endpoint failures are logged and the last
// rejection message is surfaced if all of them refuse.
func (m *Manager) Publish(ctx context.Context, event nostr.Event) error {
	sane := library.ValidateSaneExecutionTime()
	defer sane()
	if actors.MakeOrGetConfig().GetBool("doNotPublish") {
		library.LogCLI("doNotPublish is set, dropping event "+event.ID, 3)
		return nil
	}
	m.mutex.Lock()
	var live []*endpoint
	for _, url := range m.order {
		if ep := m.endpoints[url]; ep.status == Connected && ep.relay != nil {
			live = append(live, ep)
		}
	}
	m.mutex.Unlock()
	if len(live) == 0 {
		return ErrNoRelaysReachable
	}

	var accepted int
	var lastRejection string
	resultMu := &deadlock.Mutex{}
	wait := &deadlock.WaitGroup{}
	for _, ep := range live {
		wait.Add(1)
		go func(ep *endpoint) {
			defer wait.Done()
			status, err := ep.relay.Publish(ctx, event)
			if ok, rejection := publishOutcome(status, err); !ok {
				library.LogCLI(fmt.Sprintf("could not publish %s to %s: %s", event.ID, ep.url, rejection), 2)
				resultMu.Lock()
				lastRejection = rejection
				resultMu.Unlock()
				return
			}
			resultMu.Lock()
			accepted++
			resultMu.Unlock()
		}(ep)
	}
	wait.Wait()

	if accepted == 0 {
		return &SubmissionError{EventID: event.ID, Message: lastRejection}
	}
	return nil
}

// publishOutcome maps a relay publish result to accepted-or-rejected.
// PublishStatusSent counts as accepted: the relay took the write even though
// it has not acked yet.
func publishOutcome(status nostr.Status, err error) (bool, string) {
	if err != nil {
		return false, err.Error()
	}
	if status == nostr.PublishStatusFailed {
		return false, "relay refused the event"
	}
	return true, ""
}
