// Package exports renders checkout session history for reconciliation.
package exports

import "time"

// SessionRecord is one checkout session as exported to operators.
type SessionRecord struct {
	Reference string
	Amount    string
	Account   string
	State     string
	Signature string
	Reward    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r SessionRecord) timestamp() time.Time {
	ts := r.UpdatedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC()
}
