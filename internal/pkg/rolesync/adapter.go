// Package rolesync mutates the paid role on the external group platform
// with bounded retries and records every terminal outcome.
package rolesync

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/metrics"
)

// RoleClient performs single, unretried role mutations.
type RoleClient interface {
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	MemberRoles(ctx context.Context, userID string) ([]string, error)
}

// AttemptStore persists role change attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt *models.RoleChangeAttempt) error
}

// Target identifies the member whose role is changed.
type Target struct {
	MemberID   uint
	ExternalID string
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Adapter is stateless per call and safe for concurrent use across members.
type Adapter struct {
	client   RoleClient
	attempts AttemptStore
	recorder audit.Recorder
	cfg      Config
	clock    clockwork.Clock
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewAdapter(client RoleClient, attempts AttemptStore, recorder audit.Recorder, cfg Config, clock clockwork.Clock) *Adapter {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Adapter{client: client, attempts: attempts, recorder: recorder, cfg: cfg, clock: clock}
	a.sleep = a.clockSleep
	return a
}

// Apply grants or revokes roleID for the target. Rate limits and 5xx
// responses are retried with doubling delays; other errors end the call.
func (a *Adapter) Apply(ctx context.Context, t Target, roleID string, action models.RoleAction) error {
	var (
		lastErr  error
		attempts int
	)
	for attempts < a.cfg.MaxAttempts {
		attempts++
		lastErr = a.call(ctx, t.ExternalID, roleID, action)
		if lastErr == nil {
			a.finish(ctx, t, roleID, action, attempts, nil)
			return nil
		}

		hint, retryable := Retryable(lastErr)
		if !retryable || attempts >= a.cfg.MaxAttempts {
			break
		}
		delay := a.Backoff(attempts)
		if hint > 0 {
			delay = min(hint, a.cfg.MaxDelay)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			log.Warnf("[RoleSync] %s %s for member %d: no time left for attempt %d before the deadline",
				action, roleID, t.MemberID, attempts+1)
			break
		}
		log.Warnf("[RoleSync] %s %s for member %d attempt %d/%d failed, retrying in %s: %v",
			action, roleID, t.MemberID, attempts, a.cfg.MaxAttempts, delay, lastErr)
		if err := a.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	syncErr := &SyncError{MemberID: t.MemberID, RoleID: roleID, Action: action, Attempts: attempts, Err: lastErr}
	a.finish(ctx, t, roleID, action, attempts, syncErr)
	return syncErr
}

// Reconcile reads the member's current roles and applies a grant or revoke
// only when they disagree with want. It reports whether a change was issued.
func (a *Adapter) Reconcile(ctx context.Context, t Target, roleID string, want bool) (bool, error) {
	roles, err := a.client.MemberRoles(ctx, t.ExternalID)
	if err != nil {
		return false, fmt.Errorf("read roles for member %d: %w", t.MemberID, err)
	}
	has := false
	for _, r := range roles {
		if r == roleID {
			has = true
			break
		}
	}
	if has == want {
		return false, nil
	}
	action := models.RoleActionRevoke
	if want {
		action = models.RoleActionGrant
	}
	return true, a.Apply(ctx, t, roleID, action)
}

// Backoff returns the delay after the given failed attempt: base doubled per attempt, capped.
func (a *Adapter) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := a.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > a.cfg.MaxDelay || d <= 0 {
		return a.cfg.MaxDelay
	}
	return d
}

func (a *Adapter) call(ctx context.Context, userID, roleID string, action models.RoleAction) error {
	switch action {
	case models.RoleActionGrant:
		return a.client.AddRole(ctx, userID, roleID)
	case models.RoleActionRevoke:
		return a.client.RemoveRole(ctx, userID, roleID)
	default:
		return &ValidationError{Body: fmt.Sprintf("unknown role action %q", action)}
	}
}

// finish persists the outcome even when ctx has already expired.
func (a *Adapter) finish(ctx context.Context, t Target, roleID string, action models.RoleAction, attempts int, err error) {
	ctx = context.WithoutCancel(ctx)
	outcome := models.RoleOutcomeSuccess
	auditOutcome := models.AuditOutcomeSuccess
	detail := ""
	if err != nil {
		outcome = models.RoleOutcomeFailed
		auditOutcome = models.AuditOutcomeFailure
		detail = err.Error()
		log.Errorf("[RoleSync] %v", err)
	}
	metrics.RoleSyncTotal.WithLabelValues(string(action), outcome).Inc()

	if a.attempts != nil {
		if rerr := a.attempts.RecordAttempt(ctx, &models.RoleChangeAttempt{
			MemberID:    t.MemberID,
			RoleID:      roleID,
			Action:      action,
			Outcome:     outcome,
			Attempts:    attempts,
			ErrorDetail: detail,
		}); rerr != nil {
			log.Errorf("[RoleSync] failed to record attempt for member %d: %v", t.MemberID, rerr)
		}
	}
	if a.recorder != nil {
		payload := map[string]any{"role_id": roleID, "attempts": attempts}
		if detail != "" {
			payload["error"] = detail
		}
		if rerr := a.recorder.Record(ctx, audit.Entry{
			MemberID: audit.MemberRef(t.MemberID),
			Category: models.AuditCategoryRoleSync,
			Action:   string(action),
			Outcome:  auditOutcome,
			Payload:  payload,
		}); rerr != nil {
			log.Errorf("[RoleSync] failed to audit %s for member %d: %v", action, t.MemberID, rerr)
		}
	}
}

func (a *Adapter) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.clock.After(d):
		return nil
	}
}

type gormAttemptStore struct {
	db *gorm.DB
}

// NewAttemptStore creates an AttemptStore backed by GORM.
func NewAttemptStore(db *gorm.DB) AttemptStore {
	return &gormAttemptStore{db: db}
}

func (s *gormAttemptStore) RecordAttempt(ctx context.Context, attempt *models.RoleChangeAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}
