package cleanup

import (
	"time"

	"storestack/pkg/domain"
)

// AgeField selects the timestamp an AgePredicate compares.
type AgeField string

// Timestamps usable for age-based pruning.
const (
	AgeCreated AgeField = "created_at"
	AgeUpdated AgeField = "updated_at"
)

// AgePredicate matches objects whose timestamp is older than MaxAge.
type AgePredicate struct {
	MaxAge time.Duration
	Field  AgeField
}

// Age returns a predicate matching objects created more than maxAge ago.
func Age(maxAge time.Duration) AgePredicate {
	return AgePredicate{MaxAge: maxAge, Field: AgeCreated}
}

// Match implements Predicate.
func (a AgePredicate) Match(obj domain.Object, now time.Time) (bool, error) {
	if a.MaxAge <= 0 {
		return false, nil
	}
	ts := obj.CreatedAt
	if a.Field == AgeUpdated {
		ts = obj.UpdatedAt
	}
	return ts.Before(now.Add(-a.MaxAge)), nil
}
