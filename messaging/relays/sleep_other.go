//go:build !darwin

package relays

// WatchSystemSleep is a no-op where no sleep notifier is available; the
// keepalive probes catch dead sockets on their next tick instead.
func (m *Manager) WatchSystemSleep() {}
