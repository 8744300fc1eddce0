// Package conductor runs the ingestion pipeline: it consumes the relay
// streams, deduplicates what multiple endpoints replay, routes each event to
// its typed handler, and tracks a durable resume checkpoint.
package conductor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/crypt"
	"satchel/messaging/envelope"
	"satchel/messaging/relays"
)

// seenCapacity bounds the dedup window. Relays replay at most a few thousand
// stored events on reconnect, so the window comfortably covers overlap
// between endpoints without growing with uptime.
const seenCapacity = 10000

// TokenTransfer is a decrypted incoming token payload.
type TokenTransfer struct {
	ID      library.Sha256
	From    library.Account
	Payload string
	SentAt  nostr.Timestamp
}

// PaymentRequest asks the receiver to pay the decrypted invoice.
type PaymentRequest struct {
	ID      library.Sha256
	From    library.Account
	Body    string
	SentAt  nostr.Timestamp
}

// PaymentResponse answers a previous request, decrypted.
type PaymentResponse struct {
	ID      library.Sha256
	From    library.Account
	Body    string
	SentAt  nostr.Timestamp
}

// Broadcast is a plaintext announcement addressed to hashed topics.
type Broadcast struct {
	ID      library.Sha256
	From    library.Account
	Content string
	Topics  []string
	SentAt  nostr.Timestamp
}

// Handlers is the set of callbacks the pipeline delivers into. Nil fields
// mean the caller does not care about that variant; the event is still
// deduplicated and checkpointed.
type Handlers struct {
	TokenTransfer   func(TokenTransfer)
	PaymentRequest  func(PaymentRequest)
	PaymentResponse func(PaymentResponse)
	Broadcast       func(Broadcast)
	ChatMessage     func(envelope.ChatMessage)
	ReadReceipt     func(envelope.ReadReceipt)
	Typing          func(envelope.Typing)
	Composing       func(envelope.Composing)

	// OutgoingRecord receives reconstructed sent history from self-copy
	// envelopes. These are never delivered as incoming messages.
	OutgoingRecord func(envelope.ChatMessage)
}

// Conductor owns two streams: the checkpointed wallet-kind stream, and the
// gift wrap stream which always replays in full because wrap timestamps are
// randomized and useless for resumption.
type Conductor struct {
	mutex    *deadlock.Mutex
	manager  *relays.Manager
	keys     func() (privateKey string, account library.Account)
	handlers Handlers
	seen     *library.SeenCache
	check    *checkpoint

	walletStream *relays.Stream
	wrapStream   *relays.Stream
	topicStream  *relays.Stream

	window   time.Duration
	refresh  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New(manager *relays.Manager, storage actors.Storage, keys func() (string, library.Account), handlers Handlers) *Conductor {
	_, account := keys()
	debounce := actors.MakeOrGetConfig().GetDuration("checkpointDebounce")
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	window := actors.MakeOrGetConfig().GetDuration("timestampWindow")
	if window <= 0 {
		window = 48 * time.Hour
	}
	return &Conductor{
		mutex:    &deadlock.Mutex{},
		manager:  manager,
		keys:     keys,
		handlers: handlers,
		seen:     library.NewSeenCache(seenCapacity),
		check:    loadCheckpoint(storage, account, debounce),
		window:   window,
		refresh:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start opens the streams and begins routing. The manager keeps the
// subscriptions alive across reconnects; resumed wallet subscriptions pick up
// from the current checkpoint.
func (c *Conductor) Start() {
	_, account := c.keys()
	c.mutex.Lock()
	c.walletStream = c.manager.OpenStream(nostr.Filters{walletFilter(account)}, c.check.since)
	c.wrapStream = c.manager.OpenStream(nostr.Filters{wrapFilter(account)}, nil)
	c.mutex.Unlock()
	go c.run()
}

// walletFilter selects the checkpointed stream: wallet kinds addressed to us.
func walletFilter(account library.Account) nostr.Filter {
	return nostr.Filter{
		Kinds: envelope.WalletKinds,
		Tags:  nostr.TagMap{"p": []string{string(account)}},
	}
}

// wrapFilter selects gift wraps addressed to us.
func wrapFilter(account library.Account) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{envelope.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{string(account)}},
	}
}

// topicFilter selects broadcasts on the given topics. Broadcasts carry no p
// tag, so they are invisible to the wallet stream and only reach consumers
// who subscribed to a topic by name.
func topicFilter(topics []string) nostr.Filter {
	hashes := make([]string, 0, len(topics))
	for _, topic := range topics {
		hashes = append(hashes, library.HashTag(library.TagPrefixTopic, topic))
	}
	return nostr.Filter{
		Kinds: []int{envelope.KindBroadcast},
		Tags:  nostr.TagMap{"t": hashes},
	}
}

// SubscribeTopics replaces the set of broadcast topics the pipeline listens
// on. An empty set drops the topic stream entirely. Topic events share the
// dedup window and checkpoint with the wallet stream, so resubscribing never
// redelivers what was already handled.
func (c *Conductor) SubscribeTopics(topics []string) {
	c.mutex.Lock()
	old := c.topicStream
	c.topicStream = nil
	if len(topics) > 0 {
		c.topicStream = c.manager.OpenStream(nostr.Filters{topicFilter(topics)}, c.check.since)
	}
	c.mutex.Unlock()
	if old != nil {
		c.manager.CloseStream(old.ID)
	}
	// Kick the run loop so it re-reads the stream set instead of staying
	// parked on the channels it selected before the swap.
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Stop detaches the streams and persists the checkpoint immediately.
func (c *Conductor) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mutex.Lock()
		streams := []*relays.Stream{c.walletStream, c.wrapStream, c.topicStream}
		c.mutex.Unlock()
		for _, s := range streams {
			if s != nil {
				c.manager.CloseStream(s.ID)
			}
		}
		c.check.flush()
	})
}

func (c *Conductor) run() {
	actors.GetWaitGroup().Add(1)
	defer actors.GetWaitGroup().Done()
	for {
		// The topic stream comes and goes with SubscribeTopics; a nil
		// channel simply never fires.
		c.mutex.Lock()
		var topicEvents chan *nostr.Event
		if c.topicStream != nil {
			topicEvents = c.topicStream.Events
		}
		c.mutex.Unlock()
		select {
		case <-actors.GetTerminateChan():
			c.Stop()
			return
		case <-c.stop:
			return
		case <-c.refresh:
		case ev := <-c.walletStream.Events:
			if ev != nil {
				c.shielded(ev.ID, func() { c.handleWalletEvent(ev) })
			}
		case ev := <-topicEvents:
			if ev != nil {
				c.shielded(ev.ID, func() { c.handleWalletEvent(ev) })
			}
		case ev := <-c.wrapStream.Events:
			if ev != nil {
				c.shielded(ev.ID, func() { c.handleWrapEvent(ev) })
			}
		}
	}
}

// shielded keeps a panicking handler from taking the whole pipeline down;
// the event is lost, the loop is not.
func (c *Conductor) shielded(id library.Sha256, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			library.LogCLI(fmt.Sprintf("handler panicked on event %s: %v", id, r), 1)
		}
	}()
	fn()
}

// handleWalletEvent routes one event from the checkpointed stream. A handler
// failure is logged and skipped; one bad event must never stall ingestion.
func (c *Conductor) handleWalletEvent(ev *nostr.Event) {
	if !c.seen.Observe(ev.ID) {
		return
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		library.LogCLI(fmt.Sprintf("dropping event %s with invalid signature", ev.ID), 3)
		return
	}
	if time.Unix(int64(ev.CreatedAt), 0).After(time.Now().Add(c.window)) {
		library.LogCLI(fmt.Sprintf("dropping event %s with timestamp too far in the future", ev.ID), 3)
		return
	}

	switch ev.Kind {
	case envelope.KindTokenTransfer:
		if payload, err := c.decryptFrom(ev); err != nil {
			library.LogCLI(fmt.Sprintf("could not decrypt token transfer %s: %s", ev.ID, err), 3)
		} else if c.handlers.TokenTransfer != nil {
			c.handlers.TokenTransfer(TokenTransfer{ID: ev.ID, From: ev.PubKey, Payload: payload, SentAt: ev.CreatedAt})
		}
	case envelope.KindPaymentRequest:
		if body, err := c.decryptFrom(ev); err != nil {
			library.LogCLI(fmt.Sprintf("could not decrypt payment request %s: %s", ev.ID, err), 3)
		} else if _, err := actors.DecodeInvoice(body); err != nil {
			library.LogCLI(fmt.Sprintf("payment request %s carries an unparseable invoice: %s", ev.ID, err), 3)
		} else if c.handlers.PaymentRequest != nil {
			c.handlers.PaymentRequest(PaymentRequest{ID: ev.ID, From: ev.PubKey, Body: body, SentAt: ev.CreatedAt})
		}
	case envelope.KindPaymentResponse:
		if body, err := c.decryptFrom(ev); err != nil {
			library.LogCLI(fmt.Sprintf("could not decrypt payment response %s: %s", ev.ID, err), 3)
		} else if c.handlers.PaymentResponse != nil {
			c.handlers.PaymentResponse(PaymentResponse{ID: ev.ID, From: ev.PubKey, Body: body, SentAt: ev.CreatedAt})
		}
	case envelope.KindBroadcast:
		if c.handlers.Broadcast != nil {
			c.handlers.Broadcast(Broadcast{
				ID:      ev.ID,
				From:    ev.PubKey,
				Content: ev.Content,
				Topics:  topicTags(ev),
				SentAt:  ev.CreatedAt,
			})
		}
	case envelope.KindDirectMessage:
		// Superseded by gift wraps; kept in the subscription only so old
		// stored events advance the checkpoint past them.
	default:
		library.LogCLI(fmt.Sprintf("unexpected kind %d on wallet stream", ev.Kind), 3)
	}

	// The checkpoint moves even for events we could not decode, otherwise a
	// single poison event would be refetched on every reconnect forever.
	c.check.advance(ev.CreatedAt)
}

// handleWrapEvent opens one gift wrap. Decryption misses are the normal case
// on shared relays and are dropped without a word.
func (c *Conductor) handleWrapEvent(ev *nostr.Event) {
	if !c.seen.Observe(ev.ID) {
		return
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		library.LogCLI(fmt.Sprintf("dropping wrap %s with invalid signature", ev.ID), 3)
		return
	}
	sk, _ := c.keys()
	rumor, err := envelope.Unwrap(*ev, sk)
	if err != nil {
		if !errors.Is(err, envelope.ErrDecryptionMiss) {
			library.LogCLI(fmt.Sprintf("could not open wrap %s: %s", ev.ID, err), 3)
		}
		return
	}
	inner, err := envelope.Demux(rumor)
	if err != nil {
		library.LogCLI(fmt.Sprintf("wrap %s: %s", ev.ID, err), 3)
		return
	}
	switch msg := inner.(type) {
	case envelope.ChatMessage:
		if msg.SelfCopy {
			if c.handlers.OutgoingRecord != nil {
				c.handlers.OutgoingRecord(msg)
			}
			return
		}
		if c.handlers.ChatMessage != nil {
			c.handlers.ChatMessage(msg)
		}
	case envelope.ReadReceipt:
		if c.handlers.ReadReceipt != nil {
			c.handlers.ReadReceipt(msg)
		}
	case envelope.Typing:
		if c.handlers.Typing != nil {
			c.handlers.Typing(msg)
		}
	case envelope.Composing:
		if c.handlers.Composing != nil {
			c.handlers.Composing(msg)
		}
	}
}

func (c *Conductor) decryptFrom(ev *nostr.Event) (string, error) {
	sk, _ := c.keys()
	return crypt.DecryptLegacy(ev.Content, sk, string(ev.PubKey))
}

func topicTags(ev *nostr.Event) []string {
	var topics []string
	for _, tag := range ev.Tags {
		if tag.StartsWith([]string{"t"}) && tag.Value() != "" {
			topics = append(topics, tag.Value())
		}
	}
	return topics
}

// Checkpoint exposes the current resume position, mainly for inspection.
func (c *Conductor) Checkpoint() *nostr.Timestamp {
	return c.check.since()
}
