package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/markbates/goth"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
)

// MemberLinker creates or refreshes a member from a platform identity.
type MemberLinker interface {
	LinkMember(ctx context.Context, in billing.MemberLink) (*models.Member, error)
}

type OAuthController struct {
	linker   MemberLinker
	recorder audit.Recorder
	// complete is swapped in tests; it defaults to gothfiber.CompleteUserAuth.
	complete func(c *fiber.Ctx) (goth.User, error)
}

func NewOAuthController(linker MemberLinker, recorder audit.Recorder) *OAuthController {
	return &OAuthController{
		linker:   linker,
		recorder: recorder,
		complete: func(c *fiber.Ctx) (goth.User, error) { return gothfiber.CompleteUserAuth(c) },
	}
}

// HandleOAuthCallback completes the provider flow and links the member.
func (o *OAuthController) HandleOAuthCallback(c *fiber.Ctx) error {
	u, err := o.complete(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "oauth_failed", "message": err.Error()})
	}
	if u.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "oauth_failed", "message": "provider returned no user id"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	member, err := o.linker.LinkMember(ctx, billing.MemberLink{
		ExternalID: u.UserID,
		Email:      u.Email,
		Username:   firstNonEmpty(u.NickName, u.Name),
	})
	if err != nil {
		log.Errorf("[OAuth] linking %s user %s failed: %v", u.Provider, u.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "link_failed"})
	}

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, audit.Entry{
			MemberID: audit.MemberRef(member.ID),
			Category: models.AuditCategoryLinkage,
			Action:   "member_linked",
			Outcome:  models.AuditOutcomeSuccess,
			Payload:  map[string]any{"provider": u.Provider, "external_id": u.UserID},
		}); err != nil {
			log.Errorf("[OAuth] audit for member %d failed: %v", member.ID, err)
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"linked":      true,
		"member_id":   member.ID,
		"external_id": member.ExternalID,
		"tier":        member.Tier,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
