package relays

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"satchel/engine/actors"
	"satchel/engine/library"
)

func init() {
	// Keep timers far away from test runtime and avoid touching the real
	// config file on disk.
	conf := viper.New()
	conf.Set("keepaliveInterval", "1h")
	conf.Set("backoffFloor", "1h")
	conf.Set("backoffCap", "2h")
	conf.Set("connectTimeout", "2s")
	conf.Set("queryTimeout", "1s")
	actors.SetConfig(conf)
}

func testKeys() (string, library.Account) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	return sk, pk
}

// stubDial connects every url except those listed as down.
func stubDial(down ...string) func(context.Context, string) (*nostr.Relay, error) {
	dead := make(map[string]bool)
	for _, url := range down {
		dead[url] = true
	}
	return func(_ context.Context, url string) (*nostr.Relay, error) {
		if dead[url] {
			return nil, errors.New("connection refused")
		}
		return &nostr.Relay{URL: url}, nil
	}
}

func TestConnectPartialFailure(t *testing.T) {
	m := NewManager([]string{"wss://a.example", "wss://b.example"}, testKeys)
	m.dial = stubDial("wss://b.example")

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []string{"wss://a.example"}, m.ConnectedRelays())
	assert.True(t, m.IsRelayConnected("wss://a.example"))
	assert.False(t, m.IsRelayConnected("wss://b.example"))
	assert.Equal(t, Connected, m.Status())
}

func TestConnectAllUnreachable(t *testing.T) {
	m := NewManager([]string{"wss://a.example", "wss://b.example"}, testKeys)
	m.dial = stubDial("wss://a.example", "wss://b.example")

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoRelaysReachable)
	assert.Empty(t, m.ConnectedRelays())
	assert.Equal(t, Error, m.Status())
}

func TestConnectNoEndpoints(t *testing.T) {
	m := NewManager(nil, testKeys)
	m.dial = stubDial()
	assert.ErrorIs(t, m.Connect(context.Background()), ErrNoRelaysReachable)
}

func TestAddRelayRejectsDuplicates(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial()
	assert.ErrorIs(t, m.AddRelay(context.Background(), "wss://a.example"), ErrDuplicateRelay)
}

func TestAddRelayBeforeConnectIsConfigOnly(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial()
	require.NoError(t, m.AddRelay(context.Background(), "wss://b.example"))
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, m.ConfiguredRelays())
	assert.Empty(t, m.ConnectedRelays())
}

func TestAddRelayWhileConnectedDialsImmediately(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial()
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.AddRelay(context.Background(), "wss://b.example"))
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, m.ConnectedRelays())
}

func TestAddRelayWhileConnectedReportsFailure(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial("wss://b.example")
	require.NoError(t, m.Connect(context.Background()))

	err := m.AddRelay(context.Background(), "wss://b.example")
	assert.Error(t, err)
	// The failed addition must not affect existing connections.
	assert.Equal(t, []string{"wss://a.example"}, m.ConnectedRelays())
	assert.Equal(t, Connected, m.Status())
}

func TestRemoveLastRelayDrivesErrorState(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial()

	var changes []StatusChange
	changesMu := &deadlock.Mutex{}
	m.Observe(func(c StatusChange) {
		changesMu.Lock()
		changes = append(changes, c)
		changesMu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	m.RemoveRelay("wss://a.example")

	assert.Empty(t, m.ConnectedRelays())
	assert.Equal(t, Error, m.Status())

	changesMu.Lock()
	defer changesMu.Unlock()
	sawAggregateError := false
	for _, c := range changes {
		if c.URL == "" && c.Status == Error {
			sawAggregateError = true
		}
	}
	assert.True(t, sawAggregateError, "observers must see the aggregate error transition")
}

func TestRemoveRelayIsConfigurationOnly(t *testing.T) {
	m := NewManager([]string{"wss://a.example", "wss://b.example"}, testKeys)
	m.dial = stubDial()
	require.NoError(t, m.Connect(context.Background()))

	m.RemoveRelay("wss://b.example")
	assert.Equal(t, []string{"wss://a.example"}, m.ConfiguredRelays())
	assert.Equal(t, []string{"wss://a.example"}, m.ConnectedRelays())
	assert.Equal(t, Connected, m.Status())
}

func TestStatusObserversSeeConnect(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial()

	var changes []StatusChange
	changesMu := &deadlock.Mutex{}
	m.Observe(func(c StatusChange) {
		changesMu.Lock()
		changes = append(changes, c)
		changesMu.Unlock()
	})
	require.NoError(t, m.Connect(context.Background()))

	changesMu.Lock()
	defer changesMu.Unlock()
	require.NotEmpty(t, changes)
	assert.Equal(t, StatusChange{URL: "wss://a.example", Status: Connected}, changes[0])
	assert.Contains(t, changes, StatusChange{Status: Connected})
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	ep := &endpoint{}
	floor := time.Second
	cap := 30 * time.Second

	var prior time.Duration
	for i := 0; i < 10; i++ {
		d := ep.nextBackoff(floor, cap)
		assert.GreaterOrEqual(t, d, prior)
		assert.LessOrEqual(t, d, cap)
		prior = d
		ep.attempts++
	}
	assert.Equal(t, cap, ep.nextBackoff(floor, cap))
}

func TestDisconnectCancelsEverything(t *testing.T) {
	m := NewManager([]string{"wss://a.example"}, testKeys)
	m.dial = stubDial()
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()
	assert.Equal(t, Disconnected, m.Status())
	assert.Empty(t, m.ConnectedRelays())
	assert.Error(t, m.Connect(context.Background()), "a closed manager must not reconnect")
}

func TestPublishOutcomeMapping(t *testing.T) {
	ok, rejection := publishOutcome(nostr.PublishStatusSucceeded, nil)
	assert.True(t, ok)
	assert.Empty(t, rejection)

	ok, _ = publishOutcome(nostr.PublishStatusSent, nil)
	assert.True(t, ok, "a sent-but-unacked write is not a rejection")

	ok, rejection = publishOutcome(nostr.PublishStatusFailed, nil)
	assert.False(t, ok)
	assert.NotEmpty(t, rejection, "the rejection must carry a message for SubmissionError")

	ok, rejection = publishOutcome(nostr.PublishStatusSucceeded, errors.New("write: broken pipe"))
	assert.False(t, ok)
	assert.Equal(t, "write: broken pipe", rejection)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
}
