package actors

import (
	"sync"

	"github.com/sasha-s/go-deadlock"
)

var terminateChan = make(chan struct{})
var terminateOnce = &sync.Once{}
var waitGroup = &deadlock.WaitGroup{}

func GetTerminateChan() chan struct{} {
	return terminateChan
}

func GetWaitGroup() *deadlock.WaitGroup {
	return waitGroup
}

// Shutdown signals every long-running goroutine to stop and blocks until they
// have all checked out of the waitgroup.
func Shutdown() {
	terminateOnce.Do(func() {
		close(terminateChan)
	})
	waitGroup.Wait()
}
