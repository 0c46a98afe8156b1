package billing

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/tiersync/app/models"
)

var (
	// ErrUnknownMember means no member is linked to the event's customer. The
	// event stays unprocessed so a redelivery can apply it after linkage.
	ErrUnknownMember = errors.New("billing: unknown member")
	// ErrPersistence wraps store failures that abort a dispatch.
	ErrPersistence = errors.New("billing: persistence failure")
	// ErrInvalidPayload means the event object could not be decoded or lacks required fields.
	ErrInvalidPayload = errors.New("billing: invalid event payload")
	// ErrEventInFlight means a concurrent delivery of the same event holds the processing lock.
	ErrEventInFlight = errors.New("billing: event already in flight")
	// ErrNoBillingClient means the event needs a provider lookup and no client is configured.
	ErrNoBillingClient = errors.New("billing: no billing client configured")
	// ErrMemberNotFound is returned by Store lookups.
	ErrMemberNotFound = errors.New("billing: member not found")
)

func persistence(op string, err error) error {
	var iv *models.InvariantViolation
	if errors.As(err, &iv) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func invalidPayload(eventType string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, eventType, err)
}
