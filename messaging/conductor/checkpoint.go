package conductor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/actors"
	"satchel/engine/library"
)

const checkpointKeyPrefix = "checkpoint:"

// checkpoint tracks the newest wallet event timestamp we have fully handled,
// keyed by account so switching identities never replays another account's
// position. Advancement is monotonic and persistence is debounced so a burst
// of stored events costs one write, not hundreds.
type checkpoint struct {
	mutex    *deadlock.Mutex
	account  library.Account
	storage  actors.Storage
	value    nostr.Timestamp
	timer    *time.Timer
	debounce time.Duration
}

func loadCheckpoint(storage actors.Storage, account library.Account, debounce time.Duration) *checkpoint {
	c := &checkpoint{
		mutex:    &deadlock.Mutex{},
		account:  account,
		storage:  storage,
		debounce: debounce,
	}
	if stored, exists := storage.Get(checkpointKeyPrefix + string(account)); exists {
		if parsed, err := strconv.ParseInt(stored, 10, 64); err == nil && parsed > 0 {
			c.value = nostr.Timestamp(parsed)
		} else {
			library.LogCLI(fmt.Sprintf("discarding unreadable checkpoint for %s", account), 3)
		}
	}
	return c
}

// advance moves the checkpoint forward if ts is newer than what we hold.
// Older timestamps are silently ignored so out-of-order relay delivery can
// never rewind the position.
func (c *checkpoint) advance(ts nostr.Timestamp) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if ts <= c.value {
		return
	}
	c.value = ts
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.persist)
}

// since returns the resume position for subscription filters, or nil when we
// have never handled an event and want full history.
func (c *checkpoint) since() *nostr.Timestamp {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.value == 0 {
		return nil
	}
	v := c.value
	return &v
}

func (c *checkpoint) persist() {
	c.mutex.Lock()
	value := c.value
	c.mutex.Unlock()
	if value == 0 {
		return
	}
	err := c.storage.Set(checkpointKeyPrefix+string(c.account), strconv.FormatInt(int64(value), 10))
	if err != nil {
		library.LogCLI(fmt.Sprintf("could not persist checkpoint: %s", err), 2)
	}
}

// flush persists immediately, cancelling any pending debounce. Called on
// shutdown so the last handled position is never lost to the timer.
func (c *checkpoint) flush() {
	c.mutex.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mutex.Unlock()
	c.persist()
}
