package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/tiersync/app/models"
)

const (
	defaultMembersPageSize = 500
	maxMembersPageSize     = 1000
)

// TierLister pages members of one tier by ascending id.
type TierLister interface {
	ListByTier(ctx context.Context, t models.Tier, afterID uint, limit int) ([]models.Member, error)
}

type MembersController struct {
	store TierLister
}

func NewMembersController(store TierLister) *MembersController {
	return &MembersController{store: store}
}

type memberView struct {
	ID                 uint       `json:"id"`
	ExternalID         string     `json:"external_id"`
	Tier               string     `json:"tier"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`
	GraceEndsAt        *time.Time `json:"grace_ends_at,omitempty"`
}

func (m *MembersController) HandlePaidMembers(c *fiber.Ctx) error {
	return m.list(c, models.TierPaid)
}

func (m *MembersController) HandleGraceMembers(c *fiber.Ctx) error {
	return m.list(c, models.TierGrace)
}

// list serves one page; clients pass the returned next_after to continue.
func (m *MembersController) list(c *fiber.Ctx, t models.Tier) error {
	after := c.QueryInt("after", 0)
	limit := c.QueryInt("limit", defaultMembersPageSize)
	if after < 0 || limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "after and limit must be positive"})
	}
	if limit > maxMembersPageSize {
		limit = maxMembersPageSize
	}

	members, err := m.store.ListByTier(c.UserContext(), t, uint(after), limit)
	if err != nil {
		log.Errorf("[API] listing %s members failed: %v", t, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Member listing failed"})
	}

	out := make([]memberView, 0, len(members))
	for _, mem := range members {
		out = append(out, memberView{
			ID:                 mem.ID,
			ExternalID:         mem.ExternalID,
			Tier:               string(mem.Tier),
			SubscriptionEndsAt: mem.SubscriptionEndsAt,
			GraceEndsAt:        mem.GraceEndsAt,
		})
	}

	resp := fiber.Map{"tier": t, "members": out}
	if len(members) == limit {
		resp["next_after"] = members[len(members)-1].ID
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
