package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// QuarantinePrefix is the key prefix corrupt store images are archived under.
const QuarantinePrefix = "quarantine/"

const quarantineStamp = "20060102T150405.000000000Z"

// Quarantine archives the raw bytes of stores that failed to load so that
// a reset never silently destroys data.
type Quarantine struct {
	store Store
	now   func() time.Time
}

// NewQuarantine wraps store.
func NewQuarantine(store Store) *Quarantine {
	return &Quarantine{store: store, now: time.Now}
}

// WithClock overrides the timestamp source used in keys.
func (q *Quarantine) WithClock(now func() time.Time) *Quarantine {
	if now != nil {
		q.now = now
	}
	return q
}

// Store returns the underlying blob store.
func (q *Quarantine) Store() Store { return q.store }

// Archive stores r under quarantine/<name>-<utc timestamp> and returns the
// key. name is reduced to its base element.
func (q *Quarantine) Archive(ctx context.Context, name string, r io.Reader, meta map[string]string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "store"
	}
	base = strings.ReplaceAll(base, "..", "_")
	key := QuarantinePrefix + base + "-" + q.now().UTC().Format(quarantineStamp)
	_, err := q.store.Put(ctx, key, r, PutOptions{ContentType: "application/octet-stream", Metadata: meta})
	if err != nil {
		return "", fmt.Errorf("quarantine %s: %w", key, err)
	}
	return key, nil
}

// List returns every archived image, oldest key first.
func (q *Quarantine) List(ctx context.Context) ([]Info, error) {
	return q.store.List(ctx, QuarantinePrefix)
}
