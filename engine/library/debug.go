package library

import (
	"github.com/sasha-s/go-deadlock"
)

// ValidateSaneExecutionTime leans on the deadlock detector to flag any code
// path that holds on longer than the configured detection window. Call it on
// entry and defer the returned func.
func ValidateSaneExecutionTime() func() {
	mu := deadlock.Mutex{}
	mu.Lock()
	go func() {
		mu.Lock()
		mu.Unlock()
	}()
	return func() {
		mu.Unlock()
	}
}

// Bye returns the parting words printed on a clean shutdown.
func Bye() string {
	return "so long, and thanks for all the sats"
}
