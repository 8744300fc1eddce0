package library

import (
	"github.com/nbd-wtf/go-nostr"
)

func GetFirstTag(e nostr.Event, startsWith string) (string, bool) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{startsWith}) {
			return tag.Value(), true
		}
	}
	return "", false
}

// GetRecipient returns the first p tag, which is where we address events.
func GetRecipient(e nostr.Event) (Account, bool) {
	return GetFirstTag(e, "p")
}

// GetReplacementKey returns the d tag of a parameterized-replaceable event.
func GetReplacementKey(e nostr.Event) (Sha256, bool) {
	return GetFirstTag(e, "d")
}

// GetPrevious collects the ids listed in previous tags, used by clients for
// best-effort ordering of messages.
func GetPrevious(e nostr.Event) (r []Sha256) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{"previous"}) {
			for _, s := range tag[1:] {
				if len(s) == 64 {
					r = append(r, s)
				}
			}
		}
	}
	return
}
