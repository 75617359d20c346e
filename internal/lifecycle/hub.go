// Package lifecycle carries host lifecycle notifications to the persistence
// manager. The host publishes events into a Hub; adapters translate OS
// signals and store-file loss into events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Event is a host lifecycle notification.
type Event string

// Lifecycle events.
const (
	// EventBackground means the host is moving to the background.
	EventBackground Event = "background"
	// EventTerminate means the host is about to exit.
	EventTerminate Event = "terminate"
	// EventStoreLost means the durable store disappeared from under the
	// process and must be written again.
	EventStoreLost Event = "store_lost"
)

// Handler reacts to an event.
type Handler func(ctx context.Context, ev Event) error

// Hub fans events out to subscribed handlers.
type Hub struct {
	mu       sync.Mutex
	next     int
	handlers map[int]Handler
	order    []int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (h *Hub) Subscribe(handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[int]Handler)
	}
	id := h.next
	h.next++
	h.handlers[id] = handler
	h.order = append(h.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.handlers, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish runs every handler synchronously in subscription order and
// returns their joined errors. Handler panics are reported as errors.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.Lock()
	handlers := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.Unlock()

	var errs []error
	for _, handler := range handlers {
		if err := invoke(ctx, handler, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, handler Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panicked: %v", ev, r)
		}
	}()
	return handler(ctx, ev)
}
