package oauth

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/session"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/discord"
	"github.com/redis/go-redis/v9"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/ManuelReschke/tiersync/internal/pkg/config"
	"github.com/ManuelReschke/tiersync/internal/pkg/env"
)

// ProviderName is the goth provider used to link members.
const ProviderName = "discord"

// Setup registers the Discord provider and stores OAuth state in Redis.
// It reports false when no OAuth credentials are configured.
func Setup(cfg *config.Config, cacheClient *redis.Client) bool {
	if cfg.Discord.OAuthKey == "" || cfg.Discord.OAuthSecret == "" {
		log.Warn("[OAuth] DISCORD_KEY/DISCORD_SECRET not set, member linking disabled")
		return false
	}

	goth.UseProviders(
		discord.New(
			cfg.Discord.OAuthKey,
			cfg.Discord.OAuthSecret,
			CallbackURL(cfg.BaseURL()),
			discord.ScopeIdentify, discord.ScopeEmail,
		),
	)

	// OAuth state via Redis, using the cache connection (separate DB)
	host, port := splitAddr(cacheClient.Options().Addr)
	gothfiber.SessionStore = session.New(session.Config{
		Storage: redisstorage.New(redisstorage.Config{
			Host:     host,
			Port:     port,
			Username: cacheClient.Options().Username,
			Password: cacheClient.Options().Password,
			Database: 2,
			Reset:    false,
		}),
		KeyLookup:      "cookie:" + gothic.SessionName,
		CookieHTTPOnly: true,
		CookieSameSite: "Lax",
		CookieSecure:   !env.IsDev(),
		Expiration:     time.Hour,
	})
	return true
}

func CallbackURL(base string) string {
	return base + "/auth/" + ProviderName + "/callback"
}

func splitAddr(addr string) (string, int) {
	host, port := "127.0.0.1", 6379
	if addr == "" {
		return host, port
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, port
	}
	if parsed, e := strconv.Atoi(p); e == nil {
		port = parsed
	}
	return h, port
}
