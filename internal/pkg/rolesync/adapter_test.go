package rolesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
)

type scriptedClient struct {
	mu      sync.Mutex
	results []error
	calls   []string
	roles   []string
}

func (c *scriptedClient) next(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if len(c.results) == 0 {
		return nil
	}
	err := c.results[0]
	c.results = c.results[1:]
	return err
}

func (c *scriptedClient) AddRole(_ context.Context, userID, roleID string) error {
	return c.next("add:" + userID + ":" + roleID)
}

func (c *scriptedClient) RemoveRole(_ context.Context, userID, roleID string) error {
	return c.next("remove:" + userID + ":" + roleID)
}

func (c *scriptedClient) MemberRoles(_ context.Context, _ string) ([]string, error) {
	return c.roles, nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []models.RoleChangeAttempt
}

func (m *memAttempts) RecordAttempt(ctx context.Context, a *models.RoleChangeAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *a)
	return nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func newTestAdapter(client RoleClient) (*Adapter, *memAttempts, *memRecorder, *[]time.Duration) {
	attempts := &memAttempts{}
	rec := &memRecorder{}
	a := NewAdapter(client, attempts, rec, Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, nil)
	var slept []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return a, attempts, rec, &slept
}

var target = Target{MemberID: 42, ExternalID: "u-42"}

func TestApplySucceedsFirstTry(t *testing.T) {
	client := &scriptedClient{}
	a, attempts, rec, slept := newTestAdapter(client)

	err := a.Apply(context.Background(), target, "role-paid", models.RoleActionGrant)
	require.NoError(t, err)

	assert.Equal(t, []string{"add:u-42:role-paid"}, client.calls)
	assert.Empty(t, *slept)
	require.Len(t, attempts.rows, 1)
	assert.Equal(t, models.RoleOutcomeSuccess, attempts.rows[0].Outcome)
	assert.Equal(t, 1, attempts.rows[0].Attempts)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, models.AuditCategoryRoleSync, rec.entries[0].Category)
	assert.Equal(t, models.AuditOutcomeSuccess, rec.entries[0].Outcome)
}

func TestApplyRetriesServerErrorsWithDoublingBackoff(t *testing.T) {
	client := &scriptedClient{results: []error{&ServerError{Status: 502}, &ServerError{Status: 503}, nil}}
	a, attempts, _, slept := newTestAdapter(client)

	err := a.Apply(context.Background(), target, "role-paid", models.RoleActionRevoke)
	require.NoError(t, err)

	assert.Len(t, client.calls, 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	require.Len(t, attempts.rows, 1)
	assert.Equal(t, 3, attempts.rows[0].Attempts)
	assert.Equal(t, models.RoleActionRevoke, attempts.rows[0].Action)
}

func TestApplyHonorsRetryAfterHint(t *testing.T) {
	client := &scriptedClient{results: []error{&RateLimitError{RetryAfter: 750 * time.Millisecond}, nil}}
	a, _, _, slept := newTestAdapter(client)

	require.NoError(t, a.Apply(context.Background(), target, "role-paid", models.RoleActionGrant))
	assert.Equal(t, []time.Duration{750 * time.Millisecond}, *slept)
}

func TestApplyExhaustsRetryBudget(t *testing.T) {
	rl := &RateLimitError{}
	client := &scriptedClient{results: []error{rl, rl, rl, nil}}
	a, attempts, rec, slept := newTestAdapter(client)

	err := a.Apply(context.Background(), target, "role-paid", models.RoleActionGrant)
	require.Error(t, err)

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, 3, syncErr.Attempts)
	var rlErr *RateLimitError
	assert.True(t, errors.As(err, &rlErr))

	assert.Len(t, client.calls, 3)
	assert.Len(t, *slept, 2)
	require.Len(t, attempts.rows, 1)
	assert.Equal(t, models.RoleOutcomeFailed, attempts.rows[0].Outcome)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, models.AuditOutcomeFailure, rec.entries[0].Outcome)
}

func TestApplyDoesNotRetryValidationErrors(t *testing.T) {
	client := &scriptedClient{results: []error{&ValidationError{Status: 404, Body: "Unknown Member"}}}
	a, attempts, _, slept := newTestAdapter(client)

	err := a.Apply(context.Background(), target, "role-paid", models.RoleActionGrant)
	require.Error(t, err)

	assert.Len(t, client.calls, 1)
	assert.Empty(t, *slept)
	assert.Equal(t, 1, attempts.rows[0].Attempts)
}

func TestApplyDoesNotRetryOpenCircuit(t *testing.T) {
	client := &scriptedClient{results: []error{ErrCircuitOpen}}
	a, _, _, _ := newTestAdapter(client)

	err := a.Apply(context.Background(), target, "role-paid", models.RoleActionGrant)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, client.calls, 1)
}

func TestApplyStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	client := &scriptedClient{results: []error{&ServerError{Status: 500}, nil}}
	a, _, _, _ := newTestAdapter(client)
	ctx, cancel := context.WithCancel(context.Background())
	a.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := a.Apply(ctx, target, "role-paid", models.RoleActionGrant)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, client.calls, 1)
}

func TestApplyRecordsOutcomeAfterContextExpired(t *testing.T) {
	client := &scriptedClient{results: []error{&ServerError{Status: 500}, nil}}
	a, attempts, rec, _ := newTestAdapter(client)
	ctx, cancel := context.WithCancel(context.Background())
	a.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.Error(t, a.Apply(ctx, target, "role-paid", models.RoleActionGrant))

	require.Len(t, attempts.rows, 1)
	assert.Equal(t, models.RoleOutcomeFailed, attempts.rows[0].Outcome)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, models.AuditOutcomeFailure, rec.entries[0].Outcome)
}

func TestApplyCapsRetryAfterHint(t *testing.T) {
	client := &scriptedClient{results: []error{&RateLimitError{RetryAfter: 10 * time.Minute}, nil}}
	a, _, _, slept := newTestAdapter(client)

	require.NoError(t, a.Apply(context.Background(), target, "role-paid", models.RoleActionGrant))
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestApplyStopsRetryingWhenDeadlineIsTooClose(t *testing.T) {
	client := &scriptedClient{results: []error{&ServerError{Status: 503}, nil}}
	a, attempts, rec, slept := newTestAdapter(client)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := a.Apply(ctx, target, "role-paid", models.RoleActionGrant)

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, 1, syncErr.Attempts)
	var serverErr *ServerError
	assert.True(t, errors.As(err, &serverErr))
	assert.Len(t, client.calls, 1)
	assert.Empty(t, *slept)
	require.Len(t, attempts.rows, 1)
	require.Len(t, rec.entries, 1)
}

func TestBackoffIsCapped(t *testing.T) {
	a, _, _, _ := newTestAdapter(&scriptedClient{})

	assert.Equal(t, 100*time.Millisecond, a.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, a.Backoff(3))
	assert.Equal(t, time.Second, a.Backoff(10))
}

func TestReconcile(t *testing.T) {
	t.Run("missing role is granted", func(t *testing.T) {
		client := &scriptedClient{roles: []string{"other"}}
		a, _, _, _ := newTestAdapter(client)

		changed, err := a.Reconcile(context.Background(), target, "role-paid", true)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []string{"add:u-42:role-paid"}, client.calls)
	})

	t.Run("present role is left alone", func(t *testing.T) {
		client := &scriptedClient{roles: []string{"role-paid"}}
		a, _, _, _ := newTestAdapter(client)

		changed, err := a.Reconcile(context.Background(), target, "role-paid", true)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Empty(t, client.calls)
	})

	t.Run("stale role is revoked", func(t *testing.T) {
		client := &scriptedClient{roles: []string{"role-paid"}}
		a, _, _, _ := newTestAdapter(client)

		changed, err := a.Reconcile(context.Background(), target, "role-paid", false)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []string{"remove:u-42:role-paid"}, client.calls)
	})
}
