package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing/billingtest"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released int
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released++
	}, true, nil
}

type dispatchFunc func(ctx context.Context, ev billing.Event) error

func (f dispatchFunc) Dispatch(ctx context.Context, ev billing.Event) error { return f(ctx, ev) }

func TestDuplicateDeliveryAppliesOnce(t *testing.T) {
	h := newHarness(t)
	member := h.store.AddMember(models.Member{ExternalID: "u1", CustomerID: customer("cus_X")})
	ev := event(t, "evt_dup", billing.EventSubscriptionCreated, subscription("sub_S", "cus_X", "active", testNow.AddDate(0, 1, 0)))

	first, err := h.gate.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	after := h.store.Member(member.ID)

	second, err := h.gate.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, second.Applied)

	assert.Equal(t, after, h.store.Member(member.ID))
	assert.Len(t, h.rec.Applied("evt_dup"), 1)
	assert.Len(t, h.roles.Calls(), 1)
	assert.Equal(t, 1, h.ledger.Len())

	var duplicates int
	for _, e := range h.rec.Entries() {
		if e.ExternalEventID == "evt_dup" && e.Outcome == models.AuditOutcomeDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates)
}

func TestDispatchFailureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	ev := event(t, "evt_orphan", billing.EventInvoicePaymentSucceeded, invoice("cus_unknown", "sub_S", testNow.AddDate(0, 1, 0)))

	res, err := h.gate.Ingest(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrUnknownMember)
	assert.False(t, res.Applied)
	assert.Equal(t, 0, h.ledger.Len())
	assert.Empty(t, h.rec.Applied("evt_orphan"))

	// Once the member exists the redelivery applies.
	h.store.AddMember(models.Member{ExternalID: "u1", CustomerID: customer("cus_unknown")})
	h.client.Subscriptions["sub_S"] = billing.NormalizedSubscription{SubscriptionID: "sub_S", CustomerID: "cus_unknown", Status: "active", CurrentPeriodEnd: ptr(testNow.AddDate(0, 1, 0))}
	res, err = h.gate.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Len(t, h.rec.Applied("evt_orphan"), 1)
}

func TestUnknownEventTypeIsMarkedProcessed(t *testing.T) {
	h := newHarness(t)

	res, err := h.gate.Ingest(context.Background(), event(t, "evt_other", "product.created", map[string]any{"id": "prod_1"}))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, h.ledger.Len())
}

func TestEmptyEventIDRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.gate.Ingest(context.Background(), billing.Event{Type: billing.EventCheckoutCompleted})
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	assert.Equal(t, 0, h.ledger.Len())
}

func TestConcurrentDeliveryIsRejectedWhileInFlight(t *testing.T) {
	ledger := billingtest.NewLedger()
	locker := &fakeLocker{}
	entered := make(chan struct{})
	proceed := make(chan struct{})
	disp := dispatchFunc(func(context.Context, billing.Event) error {
		close(entered)
		<-proceed
		return nil
	})
	gate := billing.NewGate(ledger, disp, &billingtest.Recorder{}, locker, clockwork.NewFakeClockAt(testNow))
	ev := billing.Event{ID: "evt_race", Type: "product.created"}

	done := make(chan error, 1)
	go func() {
		_, err := gate.Ingest(context.Background(), ev)
		done <- err
	}()
	<-entered

	_, err := gate.Ingest(context.Background(), ev)
	assert.ErrorIs(t, err, billing.ErrEventInFlight)

	close(proceed)
	require.NoError(t, <-done)
	assert.Equal(t, 1, ledger.Len())
	assert.Equal(t, 1, locker.released)

	res, err := gate.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestLockerFailureDegradesToUnlocked(t *testing.T) {
	ledger := billingtest.NewLedger()
	var calls int
	disp := dispatchFunc(func(context.Context, billing.Event) error {
		calls++
		return nil
	})
	gate := billing.NewGate(ledger, disp, nil, &fakeLocker{err: errors.New("redis down")}, nil)

	res, err := gate.Ingest(context.Background(), billing.Event{ID: "evt_1", Type: "product.created"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, calls)
}

func TestOutOfOrderDeliveryConverges(t *testing.T) {
	h := newHarness(t)
	member := h.store.AddMember(models.Member{ExternalID: "u1", CustomerID: customer("cus_X")})
	ends := testNow.AddDate(0, 0, 30)
	h.client.Subscriptions["sub_S"] = billing.NormalizedSubscription{SubscriptionID: "sub_S", CustomerID: "cus_X", Status: "active", CurrentPeriodEnd: ptr(ends)}

	events := []billing.Event{
		event(t, "evt_invoice", billing.EventInvoicePaymentSucceeded, invoice("cus_X", "sub_S", ends)),
		event(t, "evt_sub", billing.EventSubscriptionCreated, subscription("sub_S", "cus_X", "active", ends)),
		event(t, "evt_checkout", billing.EventCheckoutCompleted, checkout("cus_X", "sub_S", "")),
	}
	for _, ev := range events {
		res, err := h.gate.Ingest(context.Background(), ev)
		require.NoError(t, err)
		assert.True(t, res.Applied)
	}

	got := h.store.Member(member.ID)
	assert.Equal(t, models.TierPaid, got.Tier)
	assert.True(t, got.SubscriptionEndsAt.Equal(ends))
	assert.Equal(t, 3, h.ledger.Len())
}

func failures(rec *billingtest.Recorder, eventID string) []string {
	var out []string
	for _, e := range rec.Entries() {
		if e.ExternalEventID == eventID && e.Outcome == models.AuditOutcomeFailure {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func TestExpiredContextAfterDispatchStillAcknowledges(t *testing.T) {
	ledger := billingtest.NewLedger()
	rec := &billingtest.Recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	// Role sync used up the request deadline after the tier commit.
	disp := dispatchFunc(func(context.Context, billing.Event) error {
		cancel()
		return nil
	})
	gate := billing.NewGate(ledger, disp, rec, nil, clockwork.NewFakeClockAt(testNow))

	res, err := gate.Ingest(ctx, billing.Event{ID: "evt_slow", Type: billing.EventCheckoutCompleted})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, ledger.Len())
	assert.Len(t, rec.Applied("evt_slow"), 1)
}

func TestGateFailuresAreAudited(t *testing.T) {
	ok := dispatchFunc(func(context.Context, billing.Event) error { return nil })

	t.Run("ledger read error", func(t *testing.T) {
		ledger := billingtest.NewLedger()
		ledger.FailRead = errors.New("db down")
		rec := &billingtest.Recorder{}
		gate := billing.NewGate(ledger, ok, rec, nil, nil)

		_, err := gate.Ingest(context.Background(), billing.Event{ID: "evt_1", Type: "product.created"})
		assert.ErrorIs(t, err, billing.ErrPersistence)
		assert.Len(t, failures(rec, "evt_1"), 1)
	})

	t.Run("mark processed error", func(t *testing.T) {
		ledger := billingtest.NewLedger()
		ledger.FailMark = errors.New("db down")
		rec := &billingtest.Recorder{}
		gate := billing.NewGate(ledger, ok, rec, nil, nil)

		_, err := gate.Ingest(context.Background(), billing.Event{ID: "evt_2", Type: "product.created"})
		assert.ErrorIs(t, err, billing.ErrPersistence)
		assert.Len(t, failures(rec, "evt_2"), 1)
		assert.Empty(t, rec.Applied("evt_2"))
	})

	t.Run("in flight", func(t *testing.T) {
		locker := &fakeLocker{held: map[string]bool{"webhook:event:evt_3": true}}
		rec := &billingtest.Recorder{}
		gate := billing.NewGate(billingtest.NewLedger(), ok, rec, locker, nil)

		_, err := gate.Ingest(context.Background(), billing.Event{ID: "evt_3", Type: "product.created"})
		assert.ErrorIs(t, err, billing.ErrEventInFlight)
		assert.Len(t, failures(rec, "evt_3"), 1)
	})

	t.Run("dispatch failure audited once", func(t *testing.T) {
		h := newHarness(t)
		ev := event(t, "evt_4", billing.EventInvoicePaymentSucceeded, invoice("cus_unknown", "sub_S", testNow.AddDate(0, 1, 0)))

		_, err := h.gate.Ingest(context.Background(), ev)
		assert.ErrorIs(t, err, billing.ErrUnknownMember)
		assert.Len(t, failures(h.rec, "evt_4"), 1)
	})
}
