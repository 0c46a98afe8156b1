package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
)

const webhookTimeout = 30 * time.Second

// EventVerifier authenticates a raw webhook delivery.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (billing.Event, error)
}

// EventIngester applies a verified event at most once.
type EventIngester interface {
	Ingest(ctx context.Context, ev billing.Event) (billing.IngestResult, error)
}

type WebhookController struct {
	verifier EventVerifier
	gate     EventIngester
}

func NewWebhookController(verifier EventVerifier, gate EventIngester) *WebhookController {
	return &WebhookController{verifier: verifier, gate: gate}
}

// HandleStripeWebhook answers non-2xx whenever the event was not fully applied
// so the provider redelivers it.
func (w *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	ev, err := w.verifier.Verify(rawBody, c.Get("Stripe-Signature"))
	if err != nil {
		log.Warnf("[Webhook] rejected delivery: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := w.gate.Ingest(ctx, ev)
	switch {
	case errors.Is(err, billing.ErrEventInFlight):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "event_in_flight"})
	case err != nil:
		log.Errorf("[Webhook] event %s (%s) failed: %v", ev.ID, ev.Type, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ingest_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "applied": res.Applied})
}
