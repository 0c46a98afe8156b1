package billing

import (
	"encoding/json"
	"time"
)

// Event is a trusted, already authenticated provider event.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object of the event.
	Object json.RawMessage
	// PreviousAttributes carries the changed fields of *.updated events.
	PreviousAttributes map[string]any
}

// IngestResult reports whether an event changed local state on this delivery.
type IngestResult struct {
	Applied bool
}

// NormalizedSubscription is the provider-agnostic shape used when syncing
// subscription state into local tables, from webhook payloads or API reads.
type NormalizedSubscription struct {
	SubscriptionID     string
	CustomerID         string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Created            *time.Time
	RawPayloadJSON     string
}

// MemberLink is the identity captured when a member connects their account.
type MemberLink struct {
	ExternalID string
	Email      string
	Username   string
	CustomerID string
}
