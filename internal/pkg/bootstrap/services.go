// Package bootstrap wires the stores, adapters and engines shared by the
// server and the one-shot sweep command.
package bootstrap

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/tiersync/internal/pkg/archive"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
	"github.com/ManuelReschke/tiersync/internal/pkg/cache"
	"github.com/ManuelReschke/tiersync/internal/pkg/config"
	"github.com/ManuelReschke/tiersync/internal/pkg/database"
	"github.com/ManuelReschke/tiersync/internal/pkg/reminder"
	"github.com/ManuelReschke/tiersync/internal/pkg/rolesync"
	"github.com/ManuelReschke/tiersync/internal/pkg/sweep"
)

type Services struct {
	Config *config.Config
	DB     *gorm.DB
	Cache  *redis.Client
	Clock  clockwork.Clock

	Store      billing.Store
	Recorder   *audit.GormRecorder
	Roles      *rolesync.Adapter
	Dispatcher *billing.Dispatcher
	Gate       *billing.Gate
	Verifier   *billing.StripeVerifier
	Sweeper    *sweep.Sweeper
	Scheduler  *sweep.Scheduler
}

// New connects to MySQL and Redis and assembles every component.
func New(ctx context.Context, cfg *config.Config) (*Services, error) {
	db, err := database.SetupDatabase(cfg.DB)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Config: cfg,
		DB:     db,
		Cache:  cache.SetupCache(cfg.Cache),
		Clock:  clockwork.NewRealClock(),
	}
	locker := cache.NewLocker(s.Cache)

	s.Store = billing.NewStore(db)
	s.Recorder = audit.NewRecorder(db)

	discord := rolesync.NewDiscordClient(rolesync.DiscordConfig{
		BaseURL:  cfg.Discord.APIBase,
		BotToken: cfg.Discord.BotToken,
		GuildID:  cfg.Discord.GuildID,
		Timeout:  cfg.Discord.Timeout,
	})
	s.Roles = rolesync.NewAdapter(discord, rolesync.NewAttemptStore(db), s.Recorder, rolesync.Config{
		MaxAttempts: cfg.RoleSync.MaxAttempts,
		BaseDelay:   cfg.RoleSync.BaseDelay,
		MaxDelay:    cfg.RoleSync.MaxDelay,
	}, s.Clock)

	dcfg := billing.DispatcherConfig{
		PaidRoleID: cfg.Discord.PaidRoleID,
		GraceDays:  cfg.GracePeriodDays,
		Clock:      s.Clock,
	}
	dcfg.Client = billing.NewStripeClient(cfg.Stripe.SecretKey)
	s.Dispatcher = billing.NewDispatcher(s.Store, s.Roles, s.Recorder, dcfg)
	s.Gate = billing.NewGate(billing.NewLedger(db), s.Dispatcher, s.Recorder, locker, s.Clock)
	s.Verifier = billing.NewStripeVerifier(cfg.Stripe.WebhookSecret)

	scfg := sweep.Config{
		PaidRoleID:       cfg.Discord.PaidRoleID,
		GraceDays:        cfg.GracePeriodDays,
		BatchSize:        cfg.Sweep.BatchSize,
		ReminderLeadDays: cfg.ReminderLeadDays,
	}
	if cfg.Sweep.Resync {
		scfg.Resync = s.Dispatcher
	}
	if cfg.Sweep.RepairRoles {
		scfg.Reconciler = s.Roles
	}
	if cfg.SMTP.Enabled() {
		scfg.Reminder = reminder.NewMailer(cfg.SMTP, cfg.BaseURL())
	}
	s.Sweeper = sweep.NewSweeper(s.Store, s.Roles, s.Recorder, scfg)

	schedCfg := sweep.SchedulerConfig{
		Schedule: cfg.Sweep.Schedule,
		Locker:   locker,
		Counter:  s.Store,
	}
	if cfg.S3.Enabled {
		exporter, err := archive.NewExporter(ctx, cfg.S3, s.Recorder)
		if err != nil {
			log.Errorf("[Archive] audit export disabled: %v", err)
		} else {
			schedCfg.Exporter = exporter
		}
	}
	s.Scheduler, err = sweep.NewScheduler(s.Sweeper, schedCfg, s.Clock)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) Close() {
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			log.Warnf("[Cache] close: %v", err)
		}
	}
	database.Close(s.DB)
}
