// Package staffdir looks up teams and staff rosters from the staff
// directory service. Lookups carry a bounded timeout and run behind a
// circuit breaker; a failed or slow lookup is reported as a typed
// error that routing treats as fall-through to the fallback target,
// never as fatal.
package staffdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/common/logging"
	"order-router/internal/team"
)

// Config holds the client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds one lookup end to end. Defaults to 2s.
	Timeout time.Duration
	// BreakerFailures is the consecutive-failure count that opens the
	// breaker. Defaults to 5.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open. Defaults to 30s.
	BreakerCooldown time.Duration
}

// Client fetches teams and members over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  logging.Logger
}

// NewClient creates a staff directory client.
func NewClient(config Config, logger logging.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, apperrors.ConfigError("staff directory base URL is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "staff-directory",
		Timeout: config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		// A 404 is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.IsType(err, apperrors.ErrTypeNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("staff directory breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
	})

	return &Client{
		baseURL: config.BaseURL,
		http:    &http.Client{Timeout: config.Timeout},
		breaker: breaker,
		timeout: config.Timeout,
		logger:  logger,
	}, nil
}

// Team fetches one team with its member roster.
func (c *Client) Team(ctx context.Context, teamID string) (*team.Team, error) {
	var result team.Team
	if err := c.get(ctx, fmt.Sprintf("/teams/%s", teamID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Member fetches one staff member.
func (c *Client) Member(ctx context.Context, staffID string) (*team.Member, error) {
	var result team.Member
	if err := c.get(ctx, fmt.Sprintf("/staff/%s", staffID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, dest interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, apperrors.NotFoundError("staff directory record")
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("staff directory returned %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(dest)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperrors.TimeoutError("staff directory lookup").
			WithContext("reason", "circuit open")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.TimeoutError("staff directory lookup")
	case apperrors.IsType(err, apperrors.ErrTypeNotFound):
		return err
	default:
		return apperrors.InternalError("staff directory lookup failed", err)
	}
}
