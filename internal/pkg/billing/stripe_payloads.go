package billing

import (
	"bytes"
	"encoding/json"
	"time"
)

// expandableID decodes a Stripe reference that is either an id string or an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// checkoutSession is a minimal representation of a checkout.session object.
type checkoutSession struct {
	ID                string       `json:"id"`
	Mode              string       `json:"mode"`
	Customer          expandableID `json:"customer"`
	Subscription      expandableID `json:"subscription"`
	ClientReferenceID string       `json:"client_reference_id"`
	CustomerEmail     string       `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// externalID returns the group platform user id the checkout was started for.
func (s checkoutSession) externalID() string {
	if s.ClientReferenceID != "" {
		return s.ClientReferenceID
	}
	if s.Metadata != nil {
		return s.Metadata["external_id"]
	}
	return ""
}

// subscriptionObject is a minimal representation of a subscription object.
// Period fields live on items in current API versions and on the root in older ones.
type subscriptionObject struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CanceledAt         int64        `json:"canceled_at"`
	Created            int64        `json:"created"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	TrialStart         int64        `json:"trial_start"`
	TrialEnd           int64        `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) normalize(raw []byte) NormalizedSubscription {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	return NormalizedSubscription{
		SubscriptionID:     s.ID,
		CustomerID:         string(s.Customer),
		Status:             s.Status,
		CurrentPeriodStart: unixTime(start),
		CurrentPeriodEnd:   unixTime(end),
		TrialStart:         unixTime(s.TrialStart),
		TrialEnd:           unixTime(s.TrialEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         unixTime(s.CanceledAt),
		Created:            unixTime(s.Created),
		RawPayloadJSON:     string(raw),
	}
}

// invoiceObject is a minimal representation of an invoice object.
type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i invoiceObject) subscriptionID() string {
	if id := string(i.Parent.SubscriptionDetails.Subscription); id != "" {
		return id
	}
	return string(i.Subscription)
}

// periodEnd returns the latest line item period end, the paid-through time of the invoice.
func (i invoiceObject) periodEnd() *time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return unixTime(end)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
