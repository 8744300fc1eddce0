// Package nametags publishes and resolves identity binding records. A binding
// is a parameterized replaceable event that ties a transport key to its chain
// key, an optional human name, and an optional settlement address. All lookup
// tags on the wire are hashes, so a relay operator cannot enumerate names or
// link identifiers without already knowing them.
package nametags

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/crypt"
	"satchel/messaging/envelope"
	"satchel/messaging/relays"
)

// namePattern bounds what a claimable name can look like. Case is folded
// before hashing, so Alice and alice occupy the same slot.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,32}$`)

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Binding is the content of a nametag record. EncryptedName lets the key
// holder recover its own chosen name after a re-import from seed words; nobody
// else can open it.
type Binding struct {
	ChainKey          string `json:"chainKey"`
	SettlementAddress string `json:"settlementAddress,omitempty"`
	Name              string `json:"name,omitempty"`
	EncryptedName     string `json:"encryptedName,omitempty"`
}

// Entry is a resolved binding together with the transport key that signed it.
type Entry struct {
	Account           library.Account
	ChainKey          string
	SettlementAddress string
	Name              string
}

// Directory publishes our own binding and resolves other people's.
type Directory struct {
	identity func() actors.Identity

	// settlement address to advertise, possibly empty
	address func() string

	query   func(ctx context.Context, filter nostr.Filter) []nostr.Event
	latest  func(ctx context.Context, filter nostr.Filter) (nostr.Event, bool)
	publish func(ctx context.Context, event nostr.Event) error
}

func NewDirectory(manager *relays.Manager, identity func() actors.Identity, address func() string) *Directory {
	return &Directory{
		identity: identity,
		address:  address,
		query:    manager.QueryOnce,
		latest:   manager.QueryLatest,
		publish:  manager.Publish,
	}
}

// RegisterName claims a name for the current identity. A name already bound
// to a different transport key is a conflict, reported as (false, nil): the
// name simply is not available, nothing went wrong. When the name is free or
// already ours the binding is republished unconditionally, which refreshes
// the record on any relay that dropped it.
func (d *Directory) RegisterName(ctx context.Context, name string) (bool, error) {
	if !namePattern.MatchString(name) {
		return false, fmt.Errorf("invalid name %q", name)
	}
	id := d.identity()
	nameHash := library.HashTag(library.TagPrefixName, name)
	results := d.query(ctx, bindingFilter(nameHash))
	// Name claims arbitrate first writer wins: the oldest valid claim owns
	// the slot, no matter how recently a rival republished.
	for i := len(results) - 1; i >= 0; i-- {
		binding, ok := validBinding(results[i])
		if !ok || !strings.EqualFold(binding.Name, name) {
			continue
		}
		if results[i].PubKey != id.Account {
			return false, nil
		}
		break
	}
	event, err := d.buildBinding(name)
	if err != nil {
		return false, err
	}
	if err := d.publish(ctx, event); err != nil {
		return false, err
	}
	return true, nil
}

// PublishBinding publishes the binding without claiming a name. Used on
// startup so the identity is resolvable by key and address immediately.
func (d *Directory) PublishBinding(ctx context.Context) error {
	event, err := d.buildBinding(d.identity().Name)
	if err != nil {
		return err
	}
	return d.publish(ctx, event)
}

// buildBinding assembles the signed replaceable record. The d tag is the
// hashed identity so the record replaces our previous binding and nothing
// else; t tags cover every identifier shape the record is findable by.
func (d *Directory) buildBinding(name string) (nostr.Event, error) {
	id := d.identity()
	binding := Binding{
		ChainKey:          id.ChainKey,
		SettlementAddress: d.address(),
		Name:              name,
	}
	if name != "" {
		key, err := crypt.RecoveryKey(id.PrivateKey)
		if err != nil {
			return nostr.Event{}, err
		}
		encrypted, err := crypt.EncryptRecovery(name, key)
		if err != nil {
			return nostr.Event{}, err
		}
		binding.EncryptedName = encrypted
	}
	content, err := json.Marshal(binding)
	if err != nil {
		return nostr.Event{}, err
	}

	tags := nostr.Tags{
		nostr.Tag{"d", library.HashTag(library.TagPrefixIdentity, id.Account)},
		nostr.Tag{"t", library.HashTag(library.TagPrefixIdentity, id.Account)},
		nostr.Tag{"t", library.HashTag(library.TagPrefixChainKey, id.ChainKey)},
	}
	if name != "" {
		tags = append(tags, nostr.Tag{"t", library.HashTag(library.TagPrefixName, name)})
	}
	if addr := d.address(); addr != "" {
		tags = append(tags, nostr.Tag{"t", library.HashTag(library.TagPrefixAddress, strings.ToLower(addr))})
	}

	event := nostr.Event{
		PubKey:    id.Account,
		CreatedAt: nostr.Now(),
		Kind:      envelope.KindNametagBinding,
		Tags:      tags,
		Content:   string(content),
	}
	if err := event.Sign(id.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return event, nil
}

// Resolve looks an identifier up by its shape: a bare name, a lightning style
// name@domain address, an npub, a 33 byte chain key, or a 32 byte transport
// key. Absence is not an error: an unknown identifier resolves to (nil, nil).
func (d *Directory) Resolve(ctx context.Context, identifier string) (*Entry, error) {
	l, err := classify(identifier)
	if err != nil {
		return nil, err
	}
	results := d.query(ctx, bindingFilter(l.hash))
	if l.oldestFirst {
		// Reverse into a copy: the queried slice is not ours to mutate.
		reversed := make([]nostr.Event, len(results))
		for i, ev := range results {
			reversed[len(results)-1-i] = ev
		}
		results = reversed
	}
	for _, ev := range results {
		binding, ok := validBinding(ev)
		if !ok || !l.match(binding, ev) {
			continue
		}
		return &Entry{
			Account:           ev.PubKey,
			ChainKey:          binding.ChainKey,
			SettlementAddress: binding.SettlementAddress,
			Name:              binding.Name,
		}, nil
	}
	return nil, nil
}

// RecoverName re-derives our own name from the published binding after a
// wallet re-import, using the encrypted recovery copy. The query is pinned
// to our own author key so a stranger's record carrying our hashed tag can
// never shadow the real binding.
func (d *Directory) RecoverName(ctx context.Context) (string, error) {
	id := d.identity()
	filter := bindingFilter(library.HashTag(library.TagPrefixIdentity, id.Account))
	filter.Authors = []string{id.Account}
	ev, found := d.latest(ctx, filter)
	if !found {
		return "", nil
	}
	binding, ok := validBinding(ev)
	if !ok || ev.PubKey != id.Account || binding.EncryptedName == "" {
		return "", nil
	}
	key, err := crypt.RecoveryKey(id.PrivateKey)
	if err != nil {
		return "", err
	}
	return crypt.DecryptRecovery(binding.EncryptedName, key)
}

type matchFunc func(Binding, nostr.Event) bool

// lookup is a classified identifier: the hashed tag to query, the predicate
// that confirms a candidate record actually answers for it (guarding against
// hash collisions and records that merely carry the right tag), and the scan
// order. Names scan oldest first because claims arbitrate first writer wins;
// every other shape is a self-owned fact where the newest record is current.
type lookup struct {
	hash        library.Sha256
	match       matchFunc
	oldestFirst bool
}

func classify(identifier string) (lookup, error) {
	identifier = strings.TrimSpace(identifier)
	switch {
	case strings.HasPrefix(identifier, "npub1"):
		prefix, decoded, err := nip19.Decode(identifier)
		if err != nil || prefix != "npub" {
			return lookup{}, fmt.Errorf("could not decode %q", identifier)
		}
		account, ok := decoded.(string)
		if !ok {
			return lookup{}, errors.New("unexpected npub payload")
		}
		return lookup{
			hash:  library.HashTag(library.TagPrefixIdentity, account),
			match: func(_ Binding, ev nostr.Event) bool { return ev.PubKey == account },
		}, nil

	case strings.Contains(identifier, "@"):
		address := strings.ToLower(identifier)
		return lookup{
			hash: library.HashTag(library.TagPrefixAddress, address),
			match: func(b Binding, _ nostr.Event) bool {
				return strings.EqualFold(b.SettlementAddress, identifier)
			},
		}, nil

	case len(identifier) == 66 && hexPattern.MatchString(identifier):
		if identifier[:2] != "02" && identifier[:2] != "03" {
			return lookup{}, fmt.Errorf("%q is not a compressed public key", identifier)
		}
		return lookup{
			hash: library.HashTag(library.TagPrefixChainKey, identifier),
			match: func(b Binding, _ nostr.Event) bool {
				return strings.EqualFold(b.ChainKey, identifier)
			},
		}, nil

	case len(identifier) == 64 && hexPattern.MatchString(identifier):
		account := strings.ToLower(identifier)
		return lookup{
			hash:  library.HashTag(library.TagPrefixIdentity, account),
			match: func(_ Binding, ev nostr.Event) bool { return ev.PubKey == account },
		}, nil

	case namePattern.MatchString(identifier):
		return lookup{
			hash: library.HashTag(library.TagPrefixName, identifier),
			match: func(b Binding, _ nostr.Event) bool {
				return strings.EqualFold(b.Name, identifier)
			},
			oldestFirst: true,
		}, nil
	}
	return lookup{}, fmt.Errorf("unrecognized identifier %q", identifier)
}

func bindingFilter(hash library.Sha256) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{envelope.KindNametagBinding},
		Tags:  nostr.TagMap{"t": []string{hash}},
	}
}

// validBinding checks signature, kind, content shape, and that the record's
// d tag matches its signer. A binding claiming to replace somebody else's
// slot is a spoof regardless of what its content says.
func validBinding(ev nostr.Event) (Binding, bool) {
	if ev.Kind != envelope.KindNametagBinding {
		return Binding{}, false
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return Binding{}, false
	}
	dTag, exists := library.GetReplacementKey(ev)
	if !exists || dTag != library.HashTag(library.TagPrefixIdentity, ev.PubKey) {
		return Binding{}, false
	}
	var binding Binding
	if err := json.Unmarshal([]byte(ev.Content), &binding); err != nil {
		return Binding{}, false
	}
	if _, err := hex.DecodeString(binding.ChainKey); err != nil || len(binding.ChainKey) != 66 {
		return Binding{}, false
	}
	return binding, true
}
