package rolesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultDiscordAPIBase = "https://discord.com/api/v10"
	discordUserAgent      = "DiscordBot (https://github.com/ManuelReschke/tiersync, 1.0)"
	maxErrorBody          = 512
)

type DiscordConfig struct {
	BaseURL  string
	BotToken string
	GuildID  string
	Timeout  time.Duration
	// FailureThreshold is the number of consecutive transient failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// DiscordClient manages guild member roles through the Discord REST API.
type DiscordClient struct {
	baseURL string
	token   string
	guildID string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewDiscordClient(cfg DiscordConfig) *DiscordClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDiscordAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "discord",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Rejections of a single request say nothing about the API's health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ve *ValidationError
			return errors.As(err, &ve)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[RoleSync] circuit breaker %s changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &DiscordClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BotToken,
		guildID: cfg.GuildID,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

func (c *DiscordClient) AddRole(ctx context.Context, userID, roleID string) error {
	_, err := c.do(ctx, http.MethodPut, c.rolePath(userID, roleID))
	return err
}

func (c *DiscordClient) RemoveRole(ctx context.Context, userID, roleID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.rolePath(userID, roleID))
	return err
}

func (c *DiscordClient) MemberRoles(ctx context.Context, userID string) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(c.guildID), url.PathEscape(userID)))
	if err != nil {
		return nil, err
	}
	var member struct {
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(body, &member); err != nil {
		return nil, fmt.Errorf("decode guild member: %w", err)
	}
	return member.Roles, nil
}

func (c *DiscordClient) rolePath(userID, roleID string) string {
	return fmt.Sprintf("/guilds/%s/members/%s/roles/%s", url.PathEscape(c.guildID), url.PathEscape(userID), url.PathEscape(roleID))
}

func (c *DiscordClient) do(ctx context.Context, method, path string) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, method, path)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return body, err
}

func (c *DiscordClient) send(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", discordUserAgent)
	req.Header.Set("X-Audit-Log-Reason", "membership sync")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures are treated like an unavailable upstream.
		return nil, &ServerError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ServerError{Status: resp.StatusCode, Body: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRateLimit(resp.Header, body)
	case resp.StatusCode >= 500:
		return nil, &ServerError{Status: resp.StatusCode, Body: truncate(body)}
	default:
		return nil, &ValidationError{Status: resp.StatusCode, Body: truncate(body)}
	}
}

func parseRateLimit(h http.Header, body []byte) *RateLimitError {
	rl := &RateLimitError{}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		rl.RetryAfter = time.Duration(payload.RetryAfter * float64(time.Second))
		rl.Global = payload.Global
		return rl
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			rl.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	rl.Global = strings.EqualFold(h.Get("X-RateLimit-Global"), "true")
	return rl
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
