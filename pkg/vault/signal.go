package vault

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// TeardownOnSignal tears the vault down when one of sigs arrives (SIGINT
// and SIGTERM when none are given). The teardown result is delivered on the
// returned channel. stop uninstalls the handler; the channel is then closed
// without a value if no signal arrived.
//
// Teardown runs on its own goroutine, never inside the runtime's signal
// handling, so it may allocate and take locks.
func (v *Vault) TeardownOnSignal(sigs ...os.Signal) (result <-chan error, stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	caught := make(chan os.Signal, 1)
	signal.Notify(caught, sigs...)

	out := make(chan error, 1)
	quit := make(chan struct{})
	go func() {
		defer close(out)
		defer signal.Stop(caught)
		select {
		case <-caught:
			out <- v.TeardownAll()
		case <-quit:
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() { close(quit) })
	}
}
