package envelope

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"satchel/messaging/crypt"
)

// ErrDecryptionMiss means a wrap was not keyed for us. On a shared relay this
// is the normal case, not a fault: callers drop the event silently.
var ErrDecryptionMiss = errors.New("envelope not addressed to this key")

// selfCopyTag marks a rumor as the courtesy copy a sender wraps to its own
// key so relays can replay sent history. Receivers never deliver these as
// incoming messages.
const selfCopyTag = "self-copy"

// NewRumor assembles the unsigned inner event. The rumor carries the real
// kind, content, and tags; it gets an id but never a signature, so it is
// worthless to anyone who cannot produce the seal around it.
func NewRumor(kind int, content string, tags nostr.Tags, senderPub string) nostr.Event {
	if tags == nil {
		tags = nostr.Tags{}
	}
	rumor := nostr.Event{
		PubKey:    senderPub,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	rumor.ID = rumor.GetID()
	return rumor
}

// Wrap builds the full three-layer envelope for any inner kind: rumor
// serialization, seal encryption and signature, then ephemeral-key wrap
// encryption and signature. The outer two layers each get an independently
// randomized timestamp up to window in the past, defeating timing
// correlation by relay operators. Only the returned wrap is ever published.
func Wrap(rumor nostr.Event, senderSk, recipientPub string, window time.Duration) (nostr.Event, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, err
	}

	sealKey, err := crypt.ConversationKey(senderSk, recipientPub)
	if err != nil {
		return nostr.Event{}, err
	}
	sealContent, err := crypt.Encrypt(string(rumorJSON), sealKey)
	if err != nil {
		return nostr.Event{}, err
	}
	seal := nostr.Event{
		PubKey:    rumor.PubKey,
		CreatedAt: randomizedTimestamp(window),
		Kind:      KindSeal,
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	if err := seal.Sign(senderSk); err != nil {
		return nostr.Event{}, err
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, err
	}
	ephemeralSk := nostr.GeneratePrivateKey()
	ephemeralPub, err := nostr.GetPublicKey(ephemeralSk)
	if err != nil {
		return nostr.Event{}, err
	}
	wrapKey, err := crypt.ConversationKey(ephemeralSk, recipientPub)
	if err != nil {
		return nostr.Event{}, err
	}
	wrapContent, err := crypt.Encrypt(string(sealJSON), wrapKey)
	if err != nil {
		return nostr.Event{}, err
	}
	wrap := nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: randomizedTimestamp(window),
		Kind:      KindGiftWrap,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPub}},
		Content:   wrapContent,
	}
	if err := wrap.Sign(ephemeralSk); err != nil {
		return nostr.Event{}, err
	}
	return wrap, nil
}

// WrapSelfCopy wraps a rumor back to the sender's own key, tagged with the
// original rumor id. The marker tag changes the copy's own id, so the
// original id rides in the tag value and reconstruction reports the same id
// the counterparty saw; receipts and ordering stay correlatable.
func WrapSelfCopy(rumor nostr.Event, senderSk, senderPub string, window time.Duration) (nostr.Event, error) {
	copied := rumor
	copied.Tags = append(nostr.Tags{}, rumor.Tags...)
	copied.Tags = append(copied.Tags, nostr.Tag{selfCopyTag, rumor.ID})
	copied.ID = copied.GetID()
	return Wrap(copied, senderSk, senderPub, window)
}

// Unwrap opens a wrap with our key. ErrDecryptionMiss comes back for
// envelopes keyed to somebody else; any other error means an envelope that
// was addressed to us but is malformed or forged.
func Unwrap(wrap nostr.Event, recipientSk string) (nostr.Event, error) {
	wrapKey, err := crypt.ConversationKey(recipientSk, wrap.PubKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("deriving wrap key: %w", err)
	}
	sealJSON, err := crypt.Decrypt(wrap.Content, wrapKey)
	if err != nil {
		return nostr.Event{}, ErrDecryptionMiss
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("malformed seal: %w", err)
	}
	if seal.Kind != KindSeal {
		return nostr.Event{}, fmt.Errorf("expected seal kind %d, got %d", KindSeal, seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nostr.Event{}, errors.New("seal signature does not verify")
	}

	sealKey, err := crypt.ConversationKey(recipientSk, seal.PubKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("deriving seal key: %w", err)
	}
	rumorJSON, err := crypt.Decrypt(seal.Content, sealKey)
	if err != nil {
		return nostr.Event{}, ErrDecryptionMiss
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("malformed rumor: %w", err)
	}
	// The seal signature is the only authentication the rumor has. A rumor
	// claiming a different author than the seal signer is a spoof.
	if rumor.PubKey != seal.PubKey {
		return nostr.Event{}, errors.New("rumor author does not match seal signer")
	}
	return rumor, nil
}

// IsSelfCopy reports whether a rumor is the sender's own courtesy copy.
func IsSelfCopy(rumor nostr.Event) bool {
	for _, tag := range rumor.Tags {
		if tag.StartsWith([]string{selfCopyTag}) {
			return true
		}
	}
	return false
}

func randomizedTimestamp(window time.Duration) nostr.Timestamp {
	if window <= 0 {
		return nostr.Now()
	}
	offset, err := rand.Int(rand.Reader, big.NewInt(int64(window/time.Second)))
	if err != nil {
		return nostr.Now()
	}
	return nostr.Timestamp(time.Now().Unix() - offset.Int64())
}
