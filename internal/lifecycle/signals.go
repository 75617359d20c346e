//go:build unix

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NotifySignals relays OS signals into hub until ctx ends or the returned
// stop function is called. SIGTERM and SIGINT publish EventTerminate, hand
// the publish result to onTerminate and stop relaying; SIGUSR1 and SIGTSTP
// publish EventBackground. Publishing happens before onTerminate runs, so a
// host that exits from onTerminate exits only after the terminal save.
func NotifySignals(ctx context.Context, hub *Hub, onTerminate func(error)) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGTSTP)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					// Lifecycle saves are not cancellable.
					err := hub.Publish(context.WithoutCancel(ctx), EventTerminate)
					if onTerminate != nil {
						onTerminate(err)
					}
					return
				default:
					_ = hub.Publish(context.WithoutCancel(ctx), EventBackground)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
