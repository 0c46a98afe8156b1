package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

func TestExpandableIDAcceptsStringAndObject(t *testing.T) {
	var v struct {
		A expandableID `json:"a"`
		B expandableID `json:"b"`
		C expandableID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"cus_1","b":{"id":"cus_2","object":"customer"},"c":null}`), &v))
	assert.Equal(t, expandableID("cus_1"), v.A)
	assert.Equal(t, expandableID("cus_2"), v.B)
	assert.Equal(t, expandableID(""), v.C)
}

func TestSubscriptionNormalizePrefersItemPeriod(t *testing.T) {
	raw := []byte(`{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"created": 1700000000,
		"current_period_end": 1700500000,
		"items": {"data": [
			{"current_period_start": 1700000000, "current_period_end": 1702600000},
			{"current_period_start": 1700000000, "current_period_end": 1701000000}
		]}
	}`)
	var s subscriptionObject
	require.NoError(t, json.Unmarshal(raw, &s))

	n := s.normalize(raw)
	assert.Equal(t, "sub_1", n.SubscriptionID)
	assert.Equal(t, "cus_1", n.CustomerID)
	require.NotNil(t, n.CurrentPeriodEnd)
	assert.Equal(t, int64(1702600000), n.CurrentPeriodEnd.Unix())
	assert.Equal(t, int64(1700000000), n.Created.Unix())
	assert.Nil(t, n.TrialEnd)
	assert.Nil(t, n.CanceledAt)
	assert.JSONEq(t, string(raw), n.RawPayloadJSON)
}

func TestSubscriptionNormalizeLegacyRootPeriod(t *testing.T) {
	raw := []byte(`{"id":"sub_1","customer":{"id":"cus_1"},"status":"trialing","current_period_start":1700000000,"current_period_end":1700500000,"trial_end":1700500000}`)
	var s subscriptionObject
	require.NoError(t, json.Unmarshal(raw, &s))

	n := s.normalize(raw)
	assert.Equal(t, "cus_1", n.CustomerID)
	assert.Equal(t, int64(1700500000), n.CurrentPeriodEnd.Unix())
	assert.Equal(t, int64(1700500000), n.TrialEnd.Unix())
}

func TestInvoiceSubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "parent details", raw: `{"parent":{"subscription_details":{"subscription":"sub_new"}},"subscription":"sub_old"}`, want: "sub_new"},
		{name: "legacy root", raw: `{"subscription":"sub_old"}`, want: "sub_old"},
		{name: "expanded", raw: `{"subscription":{"id":"sub_x"}}`, want: "sub_x"},
		{name: "none", raw: `{"id":"in_1"}`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inv invoiceObject
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &inv))
			assert.Equal(t, tt.want, inv.subscriptionID())
		})
	}
}

func TestInvoicePeriodEnd(t *testing.T) {
	var inv invoiceObject
	require.NoError(t, json.Unmarshal([]byte(`{"lines":{"data":[{"period":{"start":1,"end":1700000000}},{"period":{"start":1,"end":1702000000}}]}}`), &inv))
	require.NotNil(t, inv.periodEnd())
	assert.Equal(t, int64(1702000000), inv.periodEnd().Unix())

	assert.Nil(t, invoiceObject{}.periodEnd())
}

func TestCheckoutExternalID(t *testing.T) {
	assert.Equal(t, "ref", checkoutSession{ClientReferenceID: "ref", Metadata: map[string]string{"external_id": "meta"}}.externalID())
	assert.Equal(t, "meta", checkoutSession{Metadata: map[string]string{"external_id": "meta"}}.externalID())
	assert.Equal(t, "", checkoutSession{}.externalID())
}

func TestStripeVerifier(t *testing.T) {
	const secret = "whsec_test"
	payload := []byte(`{
		"id": "evt_123",
		"object": "event",
		"type": "customer.subscription.updated",
		"created": 1700000000,
		"data": {
			"object": {"id": "sub_1", "object": "subscription", "status": "past_due"},
			"previous_attributes": {"status": "active"}
		}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret, Timestamp: time.Now()})

	t.Run("valid signature", func(t *testing.T) {
		ev, err := NewStripeVerifier(secret).Verify(payload, signed.Header)
		require.NoError(t, err)
		assert.Equal(t, "evt_123", ev.ID)
		assert.Equal(t, "customer.subscription.updated", ev.Type)
		assert.Equal(t, int64(1700000000), ev.Created.Unix())
		assert.Equal(t, "active", ev.PreviousAttributes["status"])

		var obj subscriptionObject
		require.NoError(t, json.Unmarshal(ev.Object, &obj))
		assert.Equal(t, "past_due", obj.Status)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewStripeVerifier("whsec_other").Verify(payload, signed.Header)
		assert.Error(t, err)
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-3] = ' '
		_, err := NewStripeVerifier(secret).Verify(tampered, signed.Header)
		assert.Error(t, err)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := NewStripeVerifier(secret).Verify(payload, "")
		assert.Error(t, err)
	})

	t.Run("no secret configured", func(t *testing.T) {
		_, err := NewStripeVerifier("").Verify(payload, signed.Header)
		assert.Error(t, err)
	})
}
