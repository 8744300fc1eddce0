// Package transport is the public face of the messaging stack. It composes
// the relay manager, the ingestion pipeline, and the nametag directory behind
// one handle a wallet embeds: connect, send, resolve, and get typed callbacks
// for everything that arrives.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/conductor"
	"satchel/messaging/relays"
	"satchel/nametags"
)

// ErrNotReady comes back from every operation that needs a live relay
// connection before Connect has succeeded or after Disconnect.
var ErrNotReady = errors.New("transport is not connected")

// stack is one identity's worth of connected machinery. Identity replacement
// builds a whole new stack before the old one is torn down, so there is never
// a window with no live subscriptions.
type stack struct {
	identity  actors.Identity
	manager   *relays.Manager
	pipeline  *conductor.Conductor
	directory *nametags.Directory
}

type Transport struct {
	mutex    *deadlock.Mutex
	current  *stack
	storage  actors.Storage
	handlers conductor.Handlers
	address  string
	topics   []string
	window   time.Duration
	ready    bool
}

// Config carries the knobs New cannot read from the config file.
type Config struct {
	Identity actors.Identity
	Storage  actors.Storage

	// SettlementAddress is advertised in the nametag binding, may be empty.
	SettlementAddress string

	Handlers conductor.Handlers
}

func New(c Config) *Transport {
	window := actors.MakeOrGetConfig().GetDuration("timestampWindow")
	if window <= 0 {
		window = 48 * time.Hour
	}
	storage := c.Storage
	if storage == nil {
		storage = actors.FlatFileStorage{}
	}
	t := &Transport{
		mutex:    &deadlock.Mutex{},
		storage:  storage,
		handlers: c.Handlers,
		address:  c.SettlementAddress,
		window:   window,
	}
	t.current = t.buildStack(c.Identity)
	return t
}

// buildStack wires manager, pipeline, and directory around one identity. The
// keys closure captures the identity by value: a stack never observes an
// identity change, it gets replaced instead.
func (t *Transport) buildStack(id actors.Identity) *stack {
	keys := func() (string, library.Account) {
		return id.PrivateKey, id.Account
	}
	manager := relays.NewManager(actors.MakeOrGetConfig().GetStringSlice("relays"), keys)
	return &stack{
		identity:  id,
		manager:   manager,
		pipeline:  conductor.New(manager, t.storage, keys, t.handlers),
		directory: nametags.NewDirectory(manager, func() actors.Identity { return id }, func() string { return t.address }),
	}
}

// Connect dials the configured relays, starts ingestion, and republishes our
// nametag binding best-effort in the background.
func (t *Transport) Connect(ctx context.Context) error {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()

	if err := s.manager.Connect(ctx); err != nil {
		return err
	}
	s.pipeline.Start()
	s.manager.WatchSystemSleep()

	t.mutex.Lock()
	t.ready = true
	topics := t.topics
	t.mutex.Unlock()
	if len(topics) > 0 {
		s.pipeline.SubscribeTopics(topics)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.manager.QueryTimeout())
		defer cancel()
		if err := s.directory.PublishBinding(ctx); err != nil {
			library.LogCLI(fmt.Sprintf("could not republish nametag binding: %s", err), 3)
		}
	}()
	return nil
}

// Disconnect stops ingestion and closes every relay. The transport can be
// reconnected only through a fresh instance or SetIdentity.
func (t *Transport) Disconnect() {
	t.mutex.Lock()
	s := t.current
	t.ready = false
	t.mutex.Unlock()
	s.pipeline.Stop()
	s.manager.Disconnect()
}

// SetIdentity switches to a new identity make-before-break: the replacement
// stack connects and subscribes first, and only then is the old one torn
// down. On failure the old stack keeps running untouched.
func (t *Transport) SetIdentity(ctx context.Context, id actors.Identity) error {
	replacement := t.buildStack(id)
	if err := replacement.manager.Connect(ctx); err != nil {
		return fmt.Errorf("could not connect as new identity: %w", err)
	}
	replacement.pipeline.Start()
	replacement.manager.WatchSystemSleep()

	t.mutex.Lock()
	old := t.current
	t.current = replacement
	t.ready = true
	topics := t.topics
	t.mutex.Unlock()
	if len(topics) > 0 {
		replacement.pipeline.SubscribeTopics(topics)
	}

	actors.ReplaceIdentity(id)
	old.pipeline.Stop()
	old.manager.Disconnect()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replacement.manager.QueryTimeout())
		defer cancel()
		if err := replacement.directory.PublishBinding(ctx); err != nil {
			library.LogCLI(fmt.Sprintf("could not publish nametag binding: %s", err), 3)
		}
	}()
	return nil
}

func (t *Transport) stack() (*stack, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.ready {
		return nil, ErrNotReady
	}
	return t.current, nil
}

// Identity returns the identity the transport currently speaks as.
func (t *Transport) Identity() actors.Identity {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.current.identity
}

func (t *Transport) AddRelay(ctx context.Context, url string) error {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()
	return s.manager.AddRelay(ctx, url)
}

func (t *Transport) RemoveRelay(url string) {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()
	s.manager.RemoveRelay(url)
}

func (t *Transport) ConnectedRelays() []string {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()
	return s.manager.ConnectedRelays()
}

func (t *Transport) IsRelayConnected(url string) bool {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()
	return s.manager.IsRelayConnected(url)
}

func (t *Transport) Status() relays.Status {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()
	return s.manager.Status()
}

// Observe registers a relay status observer on the current stack.
func (t *Transport) Observe(o relays.Observer) {
	t.mutex.Lock()
	s := t.current
	t.mutex.Unlock()
	s.manager.Observe(o)
}

// SubscribeTopics replaces the set of broadcast topics delivered to the
// Broadcast handler. Topics are hashed before they touch the wire, the same
// way Broadcast hashes them on send. The set survives reconnects and
// identity changes; before Connect it is simply remembered and applied once
// the pipeline is up.
func (t *Transport) SubscribeTopics(topics ...string) {
	t.mutex.Lock()
	t.topics = append([]string(nil), topics...)
	s, ready := t.current, t.ready
	t.mutex.Unlock()
	if ready {
		s.pipeline.SubscribeTopics(topics)
	}
}

// RegisterName claims a name for the current identity; see
// nametags.Directory.RegisterName for conflict semantics.
func (t *Transport) RegisterName(ctx context.Context, name string) (bool, error) {
	s, err := t.stack()
	if err != nil {
		return false, err
	}
	return s.directory.RegisterName(ctx, name)
}

// Resolve maps any supported identifier shape to its binding entry.
func (t *Transport) Resolve(ctx context.Context, identifier string) (*nametags.Entry, error) {
	s, err := t.stack()
	if err != nil {
		return nil, err
	}
	return s.directory.Resolve(ctx, identifier)
}

// RecoverName re-derives our published name after a wallet re-import.
func (t *Transport) RecoverName(ctx context.Context) (string, error) {
	s, err := t.stack()
	if err != nil {
		return "", err
	}
	return s.directory.RecoverName(ctx)
}
