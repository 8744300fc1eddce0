package conductor

import (
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/crypt"
	"satchel/messaging/envelope"
	"satchel/messaging/relays"
)

func init() {
	conf := viper.New()
	conf.Set("checkpointDebounce", "50ms")
	conf.Set("timestampWindow", "48h")
	actors.SetConfig(conf)
}

type memStorage struct {
	values map[string]string
}

func newMemStorage() *memStorage {
	return &memStorage{values: make(map[string]string)}
}

func (s *memStorage) Get(key string) (string, bool) {
	v, exists := s.values[key]
	return v, exists
}

func (s *memStorage) Set(key, value string) error {
	s.values[key] = value
	return nil
}

type identity struct {
	sk      string
	account library.Account
}

func newTestIdentity(t *testing.T) identity {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return identity{sk: sk, account: pk}
}

func (i identity) keys() (string, library.Account) {
	return i.sk, i.account
}

func newTestConductor(t *testing.T, receiver identity, storage actors.Storage, handlers Handlers) *Conductor {
	manager := relays.NewManager(nil, receiver.keys)
	return New(manager, storage, receiver.keys, handlers)
}

func signedTransfer(t *testing.T, sender, receiver identity, payload string, at nostr.Timestamp) *nostr.Event {
	content, err := crypt.EncryptLegacy(payload, sender.sk, receiver.account)
	require.NoError(t, err)
	ev := nostr.Event{
		PubKey:    sender.account,
		CreatedAt: at,
		Kind:      envelope.KindTokenTransfer,
		Tags:      nostr.Tags{nostr.Tag{"p", receiver.account}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sender.sk))
	return &ev
}

func signedBroadcast(t *testing.T, sender identity, content string, at nostr.Timestamp, topics ...string) *nostr.Event {
	tags := nostr.Tags{}
	for _, topic := range topics {
		tags = append(tags, nostr.Tag{"t", library.HashTag(library.TagPrefixTopic, topic)})
	}
	ev := nostr.Event{
		PubKey:    sender.account,
		CreatedAt: at,
		Kind:      envelope.KindBroadcast,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(sender.sk))
	return &ev
}

func TestDuplicateEventsDeliverOnce(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var delivered []TokenTransfer
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		TokenTransfer: func(tt TokenTransfer) { delivered = append(delivered, tt) },
	})

	ev := signedTransfer(t, sender, receiver, `{"amount":21}`, nostr.Now())
	c.handleWalletEvent(ev)
	c.handleWalletEvent(ev)
	c.handleWalletEvent(ev)

	require.Len(t, delivered, 1)
	assert.Equal(t, sender.account, delivered[0].From)
	assert.Equal(t, `{"amount":21}`, delivered[0].Payload)
	assert.Equal(t, ev.ID, delivered[0].ID)
}

func TestCheckpointAdvancesMonotonically(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{})

	for _, at := range []nostr.Timestamp{100, 80, 120} {
		c.handleWalletEvent(signedBroadcast(t, sender, "hello", at, "mints"))
	}

	require.NotNil(t, c.Checkpoint())
	assert.Equal(t, nostr.Timestamp(120), *c.Checkpoint())
}

func TestCheckpointSurvivesRestart(t *testing.T) {
	receiver := newTestIdentity(t)
	storage := newMemStorage()
	storage.values[checkpointKeyPrefix+receiver.account] = "500"

	c := newTestConductor(t, receiver, storage, Handlers{})
	require.NotNil(t, c.Checkpoint())
	assert.Equal(t, nostr.Timestamp(500), *c.Checkpoint())

	// A replayed older event must not rewind the restored position.
	sender := newTestIdentity(t)
	c.handleWalletEvent(signedBroadcast(t, sender, "old", 400, "mints"))
	assert.Equal(t, nostr.Timestamp(500), *c.Checkpoint())
}

func TestCheckpointPersistsAfterDebounce(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)
	storage := newMemStorage()
	c := newTestConductor(t, receiver, storage, Handlers{})

	c.handleWalletEvent(signedBroadcast(t, sender, "hello", 1234, "mints"))
	_, persisted := storage.Get(checkpointKeyPrefix + receiver.account)
	assert.False(t, persisted, "persistence must wait for the debounce window")

	assert.Eventually(t, func() bool {
		v, exists := storage.Get(checkpointKeyPrefix + receiver.account)
		return exists && v == "1234"
	}, time.Second, 10*time.Millisecond)
}

func TestStopFlushesCheckpointImmediately(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)
	storage := newMemStorage()
	c := newTestConductor(t, receiver, storage, Handlers{})

	c.handleWalletEvent(signedBroadcast(t, sender, "hello", 777, "mints"))
	c.Stop()

	v, exists := storage.Get(checkpointKeyPrefix + receiver.account)
	require.True(t, exists)
	assert.Equal(t, "777", v)
}

func TestUndecryptableEventStillAdvancesCheckpoint(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var delivered int
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		TokenTransfer: func(TokenTransfer) { delivered++ },
	})

	ev := nostr.Event{
		PubKey:    sender.account,
		CreatedAt: 999,
		Kind:      envelope.KindTokenTransfer,
		Tags:      nostr.Tags{nostr.Tag{"p", receiver.account}},
		Content:   "not ciphertext at all",
	}
	require.NoError(t, ev.Sign(sender.sk))
	c.handleWalletEvent(&ev)

	assert.Zero(t, delivered)
	require.NotNil(t, c.Checkpoint())
	assert.Equal(t, nostr.Timestamp(999), *c.Checkpoint())
}

func TestPaymentRequestMustCarryValidInvoice(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var delivered int
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		PaymentRequest: func(PaymentRequest) { delivered++ },
	})

	content, err := crypt.EncryptLegacy("not a bolt11 invoice", sender.sk, receiver.account)
	require.NoError(t, err)
	ev := nostr.Event{
		PubKey:    sender.account,
		CreatedAt: 555,
		Kind:      envelope.KindPaymentRequest,
		Tags:      nostr.Tags{nostr.Tag{"p", receiver.account}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sender.sk))
	c.handleWalletEvent(&ev)

	assert.Zero(t, delivered)
	require.NotNil(t, c.Checkpoint())
	assert.Equal(t, nostr.Timestamp(555), *c.Checkpoint())
}

func TestInvalidSignatureIsDropped(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var delivered int
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		Broadcast: func(Broadcast) { delivered++ },
	})

	ev := signedBroadcast(t, sender, "hello", 100, "mints")
	ev.Content = "tampered"
	c.handleWalletEvent(ev)

	assert.Zero(t, delivered)
	assert.Nil(t, c.Checkpoint())
}

func TestBroadcastCarriesHashedTopics(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var got Broadcast
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		Broadcast: func(b Broadcast) { got = b },
	})

	c.handleWalletEvent(signedBroadcast(t, sender, "new mint online", nostr.Now(), "mints", "news"))
	require.Len(t, got.Topics, 2)
	assert.Equal(t, library.HashTag(library.TagPrefixTopic, "mints"), got.Topics[0])
	assert.Equal(t, "new mint online", got.Content)
}

func TestTopicFilterSelectsBroadcasts(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)
	ev := signedBroadcast(t, sender, "new mint online", nostr.Now(), "mints")

	// A broadcast carries no p tag, so the wallet stream can never see it.
	// Only a topic subscription does.
	topics := topicFilter([]string{"mints"})
	assert.True(t, topics.Matches(ev))
	wallet := walletFilter(receiver.account)
	assert.False(t, wallet.Matches(ev))

	other := topicFilter([]string{"news"})
	assert.False(t, other.Matches(ev))
}

func TestSubscribeTopicsRoutesBroadcasts(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var mu sync.Mutex
	var delivered []Broadcast
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		Broadcast: func(b Broadcast) {
			mu.Lock()
			delivered = append(delivered, b)
			mu.Unlock()
		},
	})
	c.Start()
	defer c.Stop()

	c.SubscribeTopics([]string{"mints"})
	c.mutex.Lock()
	stream := c.topicStream
	c.mutex.Unlock()
	require.NotNil(t, stream)

	stream.Events <- signedBroadcast(t, sender, "new mint online", nostr.Now(), "mints")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1 && delivered[0].Content == "new mint online"
	}, time.Second, 10*time.Millisecond)

	c.SubscribeTopics(nil)
	c.mutex.Lock()
	cleared := c.topicStream
	c.mutex.Unlock()
	assert.Nil(t, cleared, "an empty topic set drops the stream")
}

func TestWrappedChatMessageDelivery(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)

	var got envelope.ChatMessage
	var outgoing int
	c := newTestConductor(t, receiver, newMemStorage(), Handlers{
		ChatMessage:    func(m envelope.ChatMessage) { got = m },
		OutgoingRecord: func(envelope.ChatMessage) { outgoing++ },
	})

	rumor := envelope.NewRumor(envelope.KindChatMessage, "hi there",
		nostr.Tags{nostr.Tag{"p", receiver.account}}, sender.account)
	wrap, err := envelope.Wrap(rumor, sender.sk, receiver.account, time.Hour)
	require.NoError(t, err)

	c.handleWrapEvent(&wrap)
	assert.Equal(t, "hi there", got.Content)
	assert.Equal(t, sender.account, got.From)
	assert.Zero(t, outgoing)
}

func TestSelfCopyReconstructsOutgoingHistory(t *testing.T) {
	sender := newTestIdentity(t)
	counterparty := newTestIdentity(t)

	var incoming int
	var record envelope.ChatMessage
	c := newTestConductor(t, sender, newMemStorage(), Handlers{
		ChatMessage:    func(envelope.ChatMessage) { incoming++ },
		OutgoingRecord: func(m envelope.ChatMessage) { record = m },
	})

	rumor := envelope.NewRumor(envelope.KindChatMessage, "sent earlier",
		nostr.Tags{nostr.Tag{"p", counterparty.account}}, sender.account)
	wrap, err := envelope.WrapSelfCopy(rumor, sender.sk, sender.account, time.Hour)
	require.NoError(t, err)

	c.handleWrapEvent(&wrap)
	assert.Zero(t, incoming, "self copies are history, not incoming messages")
	assert.Equal(t, "sent earlier", record.Content)
	assert.Equal(t, counterparty.account, record.To)
	assert.Equal(t, rumor.ID, record.ID, "replayed history must carry the id the counterparty saw")
}

func TestForeignWrapIsSilentlyDropped(t *testing.T) {
	sender := newTestIdentity(t)
	intended := newTestIdentity(t)
	bystander := newTestIdentity(t)

	var delivered int
	c := newTestConductor(t, bystander, newMemStorage(), Handlers{
		ChatMessage: func(envelope.ChatMessage) { delivered++ },
	})

	rumor := envelope.NewRumor(envelope.KindChatMessage, "not for you",
		nostr.Tags{nostr.Tag{"p", intended.account}}, sender.account)
	wrap, err := envelope.Wrap(rumor, sender.sk, intended.account, time.Hour)
	require.NoError(t, err)

	c.handleWrapEvent(&wrap)
	assert.Zero(t, delivered)
}
