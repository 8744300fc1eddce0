//go:build darwin

package relays

import (
	"github.com/prashantgupta24/mac-sleep-notifier/notifier"
	"satchel/engine/library"
)

// WatchSystemSleep forces the reconnect path when the machine wakes from
// sleep, because the sockets are dead by then even though reads have not
// failed yet.
func (m *Manager) WatchSystemSleep() {
	activity := notifier.GetInstance().Start()
	go func() {
		for a := range activity {
			if a.Type == notifier.Awake {
				library.LogCLI("system wake detected, forcing relay reconnect", 3)
				m.ForceReconnect()
			}
		}
	}()
}
