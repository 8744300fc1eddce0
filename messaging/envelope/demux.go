package envelope

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"satchel/engine/library"
)

// InnerMessage is the closed set of payloads a gift envelope can carry.
// Decoding happens exactly once, here; handlers never re-parse raw JSON.
type InnerMessage interface {
	innerMessage()
}

// ChatMessage is an interactive message between two identities. Previous
// carries up to a handful of prior message ids for client-side ordering.
type ChatMessage struct {
	ID       library.Sha256
	From     library.Account
	To       library.Account
	Content  string
	Previous []library.Sha256
	SentAt   nostr.Timestamp
	SelfCopy bool
}

// ReadReceipt acknowledges that the sender has read the referenced messages.
type ReadReceipt struct {
	From     library.Account
	EventIDs []library.Sha256
}

// Typing signals the counterparty is typing.
type Typing struct {
	From library.Account
}

// Composing signals the counterparty is composing a payment or transfer.
type Composing struct {
	From library.Account
}

func (ChatMessage) innerMessage() {}
func (ReadReceipt) innerMessage() {}
func (Typing) innerMessage()      {}
func (Composing) innerMessage()   {}

// Demux turns an unwrapped rumor into its typed variant.
func Demux(rumor nostr.Event) (InnerMessage, error) {
	switch rumor.Kind {
	case KindChatMessage:
		recipient, _ := library.GetRecipient(rumor)
		id := rumor.ID
		if original, exists := library.GetFirstTag(rumor, selfCopyTag); exists && len(original) == 64 {
			// Sent history is reconstructed under the id the counterparty saw.
			id = original
		}
		return ChatMessage{
			ID:       id,
			From:     rumor.PubKey,
			To:       recipient,
			Content:  rumor.Content,
			Previous: library.GetPrevious(rumor),
			SentAt:   rumor.CreatedAt,
			SelfCopy: IsSelfCopy(rumor),
		}, nil
	case KindReadReceipt:
		receipt := ReadReceipt{From: rumor.PubKey}
		for _, tag := range rumor.Tags {
			if tag.StartsWith([]string{"e"}) && len(tag.Value()) == 64 {
				receipt.EventIDs = append(receipt.EventIDs, tag.Value())
			}
		}
		return receipt, nil
	case KindTyping:
		return Typing{From: rumor.PubKey}, nil
	case KindComposing:
		return Composing{From: rumor.PubKey}, nil
	}
	return nil, fmt.Errorf("no inner message variant for kind %d", rumor.Kind)
}
