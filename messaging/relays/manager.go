// Package relays maintains the set of relay endpoints the transport speaks
// through: dialing, keepalive probing, exponential-backoff reconnection,
// long-lived re-subscribing streams, one-shot queries, and publish fan-out.
package relays

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/actors"
	"satchel/engine/library"
)

// ErrNoRelaysReachable is fatal to Connect: not a single configured endpoint
// answered within the timeout budget. The caller decides whether to retry.
var ErrNoRelaysReachable = errors.New("no configured relay was reachable")

var ErrDuplicateRelay = errors.New("relay is already configured")

// probeKind is the ephemeral event kind used as a keepalive probe.
const probeKind = 21069

type endpoint struct {
	url      string
	status   Status
	relay    *nostr.Relay
	attempts int
	removed  bool
	retry    *time.Timer
}

func (e *endpoint) nextBackoff(floor, cap time.Duration) time.Duration {
	d := floor << uint(e.attempts)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// Manager owns the endpoint set. All mutation goes through its mutex; the
// reconnect path for each endpoint is a single timer-driven task with its
// backoff held as data on the endpoint.
type Manager struct {
	mutex     *deadlock.Mutex
	endpoints map[string]*endpoint
	order     []string
	observers []Observer
	streams   map[string]*Stream
	started   bool
	probing   bool
	closed    bool

	// keys returns the signing keypair used for keepalive probes.
	keys func() (privateKey string, account library.Account)

	// dial is swappable in tests.
	dial func(ctx context.Context, url string) (*nostr.Relay, error)

	connectTimeout time.Duration
	queryTimeout   time.Duration
	keepalive      time.Duration
	backoffFloor   time.Duration
	backoffCap     time.Duration
}

func NewManager(urls []string, keys func() (string, library.Account)) *Manager {
	m := &Manager{
		mutex:     &deadlock.Mutex{},
		endpoints: make(map[string]*endpoint),
		streams:   make(map[string]*Stream),
		keys:      keys,
		dial: func(ctx context.Context, url string) (*nostr.Relay, error) {
			return nostr.RelayConnect(ctx, url)
		},
		connectTimeout: confDuration("connectTimeout", 10*time.Second),
		queryTimeout:   confDuration("queryTimeout", 5*time.Second),
		keepalive:      confDuration("keepaliveInterval", time.Minute),
		backoffFloor:   confDuration("backoffFloor", time.Second),
		backoffCap:     confDuration("backoffCap", 2*time.Minute),
	}
	for _, url := range urls {
		if _, exists := m.endpoints[url]; exists {
			continue
		}
		m.endpoints[url] = &endpoint{url: url, status: Disconnected}
		m.order = append(m.order, url)
	}
	return m
}

func confDuration(key string, fallback time.Duration) time.Duration {
	if d := actors.MakeOrGetConfig().GetDuration(key); d > 0 {
		return d
	}
	return fallback
}

// Observe registers a status observer. Observers run outside the manager
// lock and must not block for long.
func (m *Manager) Observe(o Observer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) emit(change StatusChange) {
	m.mutex.Lock()
	observers := append([]Observer{}, m.observers...)
	m.mutex.Unlock()
	for _, o := range observers {
		o(change)
	}
}

// Connect attempts every configured endpoint in parallel and succeeds if at
// least one is reachable within the timeout budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return errors.New("manager is closed")
	}
	m.started = true
	targets := make([]*endpoint, 0, len(m.order))
	for _, url := range m.order {
		ep := m.endpoints[url]
		ep.status = Connecting
		targets = append(targets, ep)
	}
	m.mutex.Unlock()

	if len(targets) == 0 {
		return ErrNoRelaysReachable
	}

	wait := &deadlock.WaitGroup{}
	for _, ep := range targets {
		wait.Add(1)
		go func(ep *endpoint) {
			defer wait.Done()
			m.dialEndpoint(ctx, ep)
		}(ep)
	}
	wait.Wait()

	if len(m.ConnectedRelays()) == 0 {
		m.mutex.Lock()
		for _, ep := range m.endpoints {
			ep.status = Error
		}
		m.mutex.Unlock()
		m.emit(StatusChange{Status: Error})
		return ErrNoRelaysReachable
	}
	m.emit(StatusChange{Status: Connected})
	m.mutex.Lock()
	if !m.probing {
		m.probing = true
		go m.keepaliveLoop()
	}
	m.mutex.Unlock()
	return nil
}

// dialEndpoint performs one connection attempt and, on success, attaches all
// registered streams. On failure it schedules the retry task.
func (m *Manager) dialEndpoint(ctx context.Context, ep *endpoint) {
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	relay, err := m.dial(dialCtx, ep.url)

	m.mutex.Lock()
	if m.closed || ep.removed {
		m.mutex.Unlock()
		if relay != nil {
			relay.Close()
		}
		return
	}
	if err != nil {
		ep.attempts++
		m.mutex.Unlock()
		library.LogCLI(fmt.Sprintf("could not connect to relay %s: %s", ep.url, err), 2)
		m.scheduleRetry(ep)
		return
	}
	if ep.status == Connected && ep.relay != nil {
		// another path won the race
		m.mutex.Unlock()
		relay.Close()
		return
	}
	ep.relay = relay
	ep.status = Connected
	ep.attempts = 0
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mutex.Unlock()

	library.LogCLI("connected to relay "+ep.url, 4)
	m.emit(StatusChange{URL: ep.url, Status: Connected})
	for _, s := range streams {
		m.attachStream(ep, s)
	}
}

// endpointDown is the single entry point for both probe timeouts and
// explicit closures; it drives the same retry path as an initial failure.
func (m *Manager) endpointDown(url string) {
	m.mutex.Lock()
	ep, exists := m.endpoints[url]
	if !exists || m.closed || ep.removed || ep.status == Reconnecting {
		m.mutex.Unlock()
		return
	}
	if ep.relay != nil {
		go ep.relay.Close()
		ep.relay = nil
	}
	ep.status = Reconnecting
	m.mutex.Unlock()

	m.emit(StatusChange{URL: url, Status: Reconnecting})
	m.scheduleRetry(ep)
	if len(m.ConnectedRelays()) == 0 {
		m.emit(StatusChange{Status: Reconnecting})
	}
}

func (m *Manager) scheduleRetry(ep *endpoint) {
	m.mutex.Lock()
	if m.closed || ep.removed {
		m.mutex.Unlock()
		return
	}
	delay := ep.nextBackoff(m.backoffFloor, m.backoffCap)
	if ep.retry != nil {
		ep.retry.Stop()
	}
	ep.retry = time.AfterFunc(delay, func() {
		m.mutex.Lock()
		dead := m.closed || ep.removed
		if !dead {
			ep.status = Connecting
		}
		m.mutex.Unlock()
		if dead {
			return
		}
		m.dialEndpoint(context.Background(), ep)
	})
	m.mutex.Unlock()
}

// keepaliveLoop publishes a small ephemeral probe to every connected
// endpoint. A probe that cannot be written means the socket is dead even if
// the OS has not noticed yet.
func (m *Manager) keepaliveLoop() {
	actors.GetWaitGroup().Add(1)
	defer actors.GetWaitGroup().Done()
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-actors.GetTerminateChan():
			return
		case <-ticker.C:
			m.mutex.Lock()
			if m.closed {
				m.mutex.Unlock()
				return
			}
			live := make([]*endpoint, 0, len(m.order))
			for _, url := range m.order {
				if ep := m.endpoints[url]; ep.status == Connected && ep.relay != nil {
					live = append(live, ep)
				}
			}
			m.mutex.Unlock()
			for _, ep := range live {
				m.probe(ep)
			}
		}
	}
}

func (m *Manager) probe(ep *endpoint) {
	sk, account := m.keys()
	probe := nostr.Event{
		PubKey:    account,
		CreatedAt: nostr.Now(),
		Kind:      probeKind,
		Tags:      nostr.Tags{nostr.Tag{"p", account}},
	}
	if err := probe.Sign(sk); err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()
	status, err := ep.relay.Publish(ctx, probe)
	if ok, rejection := publishOutcome(status, err); !ok {
		library.LogCLI(fmt.Sprintf("keepalive probe to %s failed: %s", ep.url, rejection), 3)
		m.endpointDown(ep.url)
	}
}

// AddRelay configures a new endpoint. Duplicates are rejected. If the
// manager is already connected it tries the new endpoint immediately and
// reports the outcome without touching existing connections.
func (m *Manager) AddRelay(ctx context.Context, url string) error {
	m.mutex.Lock()
	if _, exists := m.endpoints[url]; exists {
		m.mutex.Unlock()
		return ErrDuplicateRelay
	}
	ep := &endpoint{url: url, status: Disconnected}
	m.endpoints[url] = ep
	m.order = append(m.order, url)
	started := m.started
	m.mutex.Unlock()

	if !started {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	relay, err := m.dial(dialCtx, url)
	if err != nil {
		return fmt.Errorf("could not connect to added relay %s: %w", url, err)
	}
	m.mutex.Lock()
	ep.relay = relay
	ep.status = Connected
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mutex.Unlock()
	m.emit(StatusChange{URL: url, Status: Connected})
	for _, s := range streams {
		m.attachStream(ep, s)
	}
	return nil
}

// RemoveRelay is a configuration-only operation: the endpoint is excluded
// from all future reconnect and publish targeting. The socket, if any, is
// closed best-effort in the background. Removing the last connected endpoint
// drives overall status to the error state.
func (m *Manager) RemoveRelay(url string) {
	m.mutex.Lock()
	ep, exists := m.endpoints[url]
	if !exists {
		m.mutex.Unlock()
		return
	}
	ep.removed = true
	if ep.retry != nil {
		ep.retry.Stop()
	}
	if ep.relay != nil {
		go ep.relay.Close()
	}
	delete(m.endpoints, url)
	for i, u := range m.order {
		if u == url {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	started := m.started
	remaining := 0
	for _, e := range m.endpoints {
		if e.status == Connected {
			remaining++
		}
	}
	m.mutex.Unlock()

	m.emit(StatusChange{URL: url, Status: Disconnected})
	if started && remaining == 0 {
		m.emit(StatusChange{Status: Error})
	}
}

// Disconnect tears down every endpoint and cancels pending reconnect timers.
func (m *Manager) Disconnect() {
	m.mutex.Lock()
	m.closed = true
	for _, ep := range m.endpoints {
		if ep.retry != nil {
			ep.retry.Stop()
		}
		if ep.relay != nil {
			go ep.relay.Close()
			ep.relay = nil
		}
		ep.status = Disconnected
	}
	for _, s := range m.streams {
		s.close()
	}
	m.streams = make(map[string]*Stream)
	m.mutex.Unlock()
	m.emit(StatusChange{Status: Disconnected})
}

// ForceReconnect drops every live connection and walks the retry path. Used
// when the host returns from system sleep and sockets are silently dead.
func (m *Manager) ForceReconnect() {
	for _, url := range m.ConnectedRelays() {
		m.endpointDown(url)
	}
}

func (m *Manager) ConnectedRelays() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var connected []string
	for _, url := range m.order {
		if ep := m.endpoints[url]; ep.status == Connected {
			connected = append(connected, url)
		}
	}
	return connected
}

func (m *Manager) ConfiguredRelays() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string{}, m.order...)
}

func (m *Manager) IsRelayConnected(url string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ep, exists := m.endpoints[url]
	return exists && ep.status == Connected
}

// Status reports the aggregate state across endpoints.
func (m *Manager) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return Disconnected
	}
	var connecting, reconnecting bool
	for _, ep := range m.endpoints {
		switch ep.status {
		case Connected:
			return Connected
		case Connecting:
			connecting = true
		case Reconnecting:
			reconnecting = true
		}
	}
	if reconnecting {
		return Reconnecting
	}
	if connecting {
		return Connecting
	}
	if m.started {
		return Error
	}
	return Disconnected
}
