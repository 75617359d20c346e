//go:build !unix

package lifecycle

import (
	"context"
	"os"
	"os/signal"
)

// NotifySignals relays os.Interrupt as EventTerminate. Platforms without
// POSIX signals have no background signal.
func NotifySignals(ctx context.Context, hub *Hub, onTerminate func(error)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(ch)
		select {
		case <-ctx.Done():
		case <-ch:
			err := hub.Publish(context.WithoutCancel(ctx), EventTerminate)
			if onTerminate != nil {
				onTerminate(err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
