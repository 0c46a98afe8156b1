package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// BillingClient reads authoritative subscription state from the billing provider.
type BillingClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*NormalizedSubscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]NormalizedSubscription, error)
}

// StripeVerifier authenticates raw webhook deliveries.
type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: strings.TrimSpace(secret)}
}

// Verify checks the Stripe-Signature header against payload and returns the
// parsed event. It fails closed on any error.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if v.secret == "" {
		return Event{}, errors.New("webhook secret not configured")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return Event{}, errors.New("missing Stripe signature")
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, err
	}
	return FromStripeEvent(&ev), nil
}

// FromStripeEvent converts a library event into the ingest representation.
func FromStripeEvent(ev *stripelib.Event) Event {
	out := Event{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Created > 0 {
		out.Created = time.Unix(ev.Created, 0).UTC()
	}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
		out.PreviousAttributes = ev.Data.PreviousAttributes
	}
	return out
}

// StripeClient implements BillingClient with the Stripe API.
type StripeClient struct {
	subs *subscription.Client
}

func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{
		subs: &subscription.Client{B: stripelib.GetBackend(stripelib.APIBackend), Key: strings.TrimSpace(secretKey)},
	}
}

func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*NormalizedSubscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.subs.Get(subscriptionID, params)
	if err != nil {
		return nil, err
	}
	n := normalizeStripeSubscription(sub)
	return &n, nil
}

func (c *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]NormalizedSubscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx
	var out []NormalizedSubscription
	it := c.subs.List(params)
	for it.Next() {
		out = append(out, normalizeStripeSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeStripeSubscription(sub *stripelib.Subscription) NormalizedSubscription {
	n := NormalizedSubscription{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixTime(sub.CanceledAt),
		TrialStart:        unixTime(sub.TrialStart),
		TrialEnd:          unixTime(sub.TrialEnd),
		Created:           unixTime(sub.Created),
	}
	if sub.Customer != nil {
		n.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		var start, end int64
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
		}
		n.CurrentPeriodStart = unixTime(start)
		n.CurrentPeriodEnd = unixTime(end)
	}
	return n
}
