package transport

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/crypt"
	"satchel/messaging/envelope"
)

// sendLegacy encrypts a payload under the legacy shared-secret scheme and
// publishes it as the given kind, addressed to the recipient.
func (t *Transport) sendLegacy(ctx context.Context, kind int, to library.Account, plaintext string) (library.Sha256, error) {
	s, err := t.stack()
	if err != nil {
		return "", err
	}
	content, err := crypt.EncryptLegacy(plaintext, s.identity.PrivateKey, to)
	if err != nil {
		return "", err
	}
	event := nostr.Event{
		PubKey:    s.identity.Account,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{nostr.Tag{"p", to}},
		Content:   content,
	}
	if err := event.Sign(s.identity.PrivateKey); err != nil {
		return "", err
	}
	if err := s.manager.Publish(ctx, event); err != nil {
		return "", err
	}
	return event.ID, nil
}

// SendTokenTransfer sends an encrypted token payload to a recipient and
// returns the published event id.
func (t *Transport) SendTokenTransfer(ctx context.Context, to library.Account, payload string) (library.Sha256, error) {
	return t.sendLegacy(ctx, envelope.KindTokenTransfer, to, payload)
}

// SendPaymentRequest sends a bolt11 invoice to be paid by the recipient. The
// invoice is decoded locally first; an invoice we cannot parse is rejected
// before anything touches the wire.
func (t *Transport) SendPaymentRequest(ctx context.Context, to library.Account, bolt11 string) (library.Sha256, error) {
	if _, err := actors.DecodeInvoice(bolt11); err != nil {
		return "", fmt.Errorf("refusing to send unparseable invoice: %w", err)
	}
	return t.sendLegacy(ctx, envelope.KindPaymentRequest, to, bolt11)
}

// RequestInvoice fetches a bolt11 invoice for the given amount in sats from
// the LNURL-pay service behind a lightning address. Pair with
// SendPaymentRequest to ask a counterparty to pay it.
func (t *Transport) RequestInvoice(address string, amountSat int64, description string) (string, error) {
	if _, err := t.stack(); err != nil {
		return "", err
	}
	return actors.GetInvoice(address, amountSat, description)
}

// LightningAddressOf looks up the lightning address a counterparty advertises
// in its profile metadata. Returns ("", nil) when the account has no profile
// or the profile carries no well-formed address.
func (t *Transport) LightningAddressOf(ctx context.Context, account library.Account) (string, error) {
	s, err := t.stack()
	if err != nil {
		return "", err
	}
	event, found := s.manager.QueryLatest(ctx, nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{account},
	})
	if !found {
		return "", nil
	}
	if ok, err := event.CheckSignature(); err != nil || !ok || event.PubKey != account {
		return "", nil
	}
	address, ok := actors.GetLightningAddressFromKind0(event)
	if !ok {
		return "", nil
	}
	return address, nil
}

// SendPaymentResponse answers a payment request and returns the published
// event id so the caller can correlate it.
func (t *Transport) SendPaymentResponse(ctx context.Context, to library.Account, body string) (library.Sha256, error) {
	return t.sendLegacy(ctx, envelope.KindPaymentResponse, to, body)
}

// Broadcast publishes a plaintext announcement addressed to topics. Topics
// are hashed on the wire, so only parties that know a topic can subscribe to
// it, but the content itself is public to anyone who does.
func (t *Transport) Broadcast(ctx context.Context, content string, topics []string) (library.Sha256, error) {
	s, err := t.stack()
	if err != nil {
		return "", err
	}
	if len(topics) == 0 {
		return "", fmt.Errorf("a broadcast needs at least one topic")
	}
	tags := nostr.Tags{}
	for _, topic := range topics {
		tags = append(tags, nostr.Tag{"t", library.HashTag(library.TagPrefixTopic, topic)})
	}
	event := nostr.Event{
		PubKey:    s.identity.Account,
		CreatedAt: nostr.Now(),
		Kind:      envelope.KindBroadcast,
		Tags:      tags,
		Content:   content,
	}
	if err := event.Sign(s.identity.PrivateKey); err != nil {
		return "", err
	}
	if err := s.manager.Publish(ctx, event); err != nil {
		return "", err
	}
	return event.ID, nil
}

// sendWrapped builds the full envelope around a rumor and publishes it.
func (t *Transport) sendWrapped(ctx context.Context, s *stack, rumor nostr.Event, to library.Account) error {
	wrap, err := envelope.Wrap(rumor, s.identity.PrivateKey, to, t.window)
	if err != nil {
		return err
	}
	return s.manager.Publish(ctx, wrap)
}

// SendChatMessage sends an interactive message inside the encryption
// envelope and returns the rumor id, which is what read receipts and
// ordering reference. A courtesy copy wrapped to our own key goes out in the
// background; its failure only costs us replayable sent history, never the
// message itself.
func (t *Transport) SendChatMessage(ctx context.Context, to library.Account, content string, previous []library.Sha256) (library.Sha256, error) {
	s, err := t.stack()
	if err != nil {
		return "", err
	}
	tags := nostr.Tags{nostr.Tag{"p", to}}
	if len(previous) > 0 {
		tags = append(tags, append(nostr.Tag{"previous"}, previous...))
	}
	rumor := envelope.NewRumor(envelope.KindChatMessage, content, tags, s.identity.Account)
	if err := t.sendWrapped(ctx, s, rumor, to); err != nil {
		return "", err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.manager.QueryTimeout())
		defer cancel()
		selfWrap, err := envelope.WrapSelfCopy(rumor, s.identity.PrivateKey, s.identity.Account, t.window)
		if err == nil {
			err = s.manager.Publish(ctx, selfWrap)
		}
		if err != nil {
			library.LogCLI(fmt.Sprintf("could not store self copy of %s: %s", rumor.ID, err), 3)
		}
	}()
	return rumor.ID, nil
}

// SendReadReceipt acknowledges the given message ids to their sender.
func (t *Transport) SendReadReceipt(ctx context.Context, to library.Account, messageIDs []library.Sha256) error {
	s, err := t.stack()
	if err != nil {
		return err
	}
	tags := nostr.Tags{nostr.Tag{"p", to}}
	for _, id := range messageIDs {
		tags = append(tags, nostr.Tag{"e", id})
	}
	rumor := envelope.NewRumor(envelope.KindReadReceipt, "", tags, s.identity.Account)
	return t.sendWrapped(ctx, s, rumor, to)
}

// SendTyping signals the counterparty that we are typing.
func (t *Transport) SendTyping(ctx context.Context, to library.Account) error {
	s, err := t.stack()
	if err != nil {
		return err
	}
	rumor := envelope.NewRumor(envelope.KindTyping, "", nostr.Tags{nostr.Tag{"p", to}}, s.identity.Account)
	return t.sendWrapped(ctx, s, rumor, to)
}

// SendComposing signals the counterparty that we are preparing a transfer or
// payment for them.
func (t *Transport) SendComposing(ctx context.Context, to library.Account) error {
	s, err := t.stack()
	if err != nil {
		return err
	}
	rumor := envelope.NewRumor(envelope.KindComposing, "", nostr.Tags{nostr.Tag{"p", to}}, s.identity.Account)
	return t.sendWrapped(ctx, s, rumor, to)
}
