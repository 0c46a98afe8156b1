package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jonboulle/clockwork"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/metrics"
)

const inFlightLockTTL = 2 * time.Minute

// EventDispatcher applies a single trusted event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Locker hands out short-lived exclusive locks. A nil Locker disables the in-flight guard.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Gate is the webhook ingestion gate. It guarantees at most one successful
// application per event id and marks an event processed only after its
// dispatch fully succeeded.
type Gate struct {
	ledger     Ledger
	dispatcher EventDispatcher
	recorder   audit.Recorder
	locker     Locker
	clock      clockwork.Clock
}

func NewGate(ledger Ledger, dispatcher EventDispatcher, recorder audit.Recorder, locker Locker, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{ledger: ledger, dispatcher: dispatcher, recorder: recorder, locker: locker, clock: clock}
}

// Ingest applies ev once. A duplicate delivery returns Applied=false and no error.
// Once dispatch succeeded, the ledger and audit writes run on a context that
// ignores ctx's deadline so a slow role sync cannot undo the acknowledgement.
func (g *Gate) Ingest(ctx context.Context, ev Event) (res IngestResult, err error) {
	start := g.clock.Now()
	result := "applied"
	persistCtx := context.WithoutCancel(ctx)
	// The dispatcher audits its own failures.
	dispatchFailed := false
	defer func() {
		if err != nil {
			result = "failed"
			if !dispatchFailed {
				g.failure(persistCtx, ev, err)
			}
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, result).Inc()
		metrics.WebhookDuration.WithLabelValues(ev.Type).Observe(g.clock.Since(start).Seconds())
	}()

	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return IngestResult{}, fmt.Errorf("%w: event id missing", ErrInvalidPayload)
	}

	done, err := g.ledger.IsProcessed(ctx, ev.ID)
	if err != nil {
		return IngestResult{}, persistence("check ledger", err)
	}
	if done {
		result = "duplicate"
		g.duplicate(persistCtx, ev)
		return IngestResult{Applied: false}, nil
	}

	if g.locker != nil {
		release, ok, lerr := g.locker.Acquire(ctx, "webhook:event:"+ev.ID, inFlightLockTTL)
		switch {
		case lerr != nil:
			log.Warnf("[Gate] in-flight lock unavailable for %s, continuing without it: %v", ev.ID, lerr)
		case !ok:
			return IngestResult{}, ErrEventInFlight
		default:
			defer release()
		}
	}

	if derr := g.dispatcher.Dispatch(ctx, ev); derr != nil {
		dispatchFailed = true
		return IngestResult{}, derr
	}

	created, err := g.ledger.MarkProcessed(persistCtx, ev.ID, ev.Type, g.clock.Now())
	if err != nil {
		// Dispatch is idempotent, so the provider's redelivery is safe.
		return IngestResult{}, persistence("mark processed", err)
	}
	if !created {
		result = "duplicate"
		g.duplicate(persistCtx, ev)
		return IngestResult{Applied: false}, nil
	}

	if g.recorder != nil {
		if rerr := g.recorder.Record(persistCtx, audit.Entry{
			Category:        models.AuditCategoryWebhook,
			Action:          ev.Type,
			ExternalEventID: ev.ID,
			Applied:         true,
			Outcome:         models.AuditOutcomeSuccess,
		}); rerr != nil {
			log.Errorf("[Gate] failed to audit applied event %s: %v", ev.ID, rerr)
		}
	}
	return IngestResult{Applied: true}, nil
}

func (g *Gate) duplicate(ctx context.Context, ev Event) {
	log.Infof("[Gate] duplicate delivery of %s (%s)", ev.ID, ev.Type)
	if g.recorder == nil {
		return
	}
	if err := g.recorder.Record(ctx, audit.Entry{
		Category:        models.AuditCategoryWebhook,
		Action:          ev.Type,
		ExternalEventID: ev.ID,
		Outcome:         models.AuditOutcomeDuplicate,
	}); err != nil {
		log.Errorf("[Gate] failed to audit duplicate %s: %v", ev.ID, err)
	}
}

func (g *Gate) failure(ctx context.Context, ev Event, cause error) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.Record(ctx, audit.Entry{
		Category:        models.AuditCategoryWebhook,
		Action:          ev.Type,
		ExternalEventID: ev.ID,
		Outcome:         models.AuditOutcomeFailure,
		Payload:         map[string]any{"stage": "gate", "error": cause.Error()},
	}); err != nil {
		log.Errorf("[Gate] failed to audit failed event %s: %v", ev.ID, err)
	}
}
