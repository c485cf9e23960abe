// Package gdrive adapts Google Drive to remote.Repository.
//
// Starred files form the favorite set and the head revision id is the
// version label.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/utils"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client wraps the Drive service with transient-error retry
type Client struct {
	service    *drive.Service
	maxRetries int
	retryDelay time.Duration
	logger     logging.Logger
}

// NewClient creates a Drive client around an authenticated service
func NewClient(service *drive.Service, maxRetries int, retryDelayMs int, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Client{
		service:    service,
		maxRetries: maxRetries,
		retryDelay: time.Duration(retryDelayMs) * time.Millisecond,
		logger:     logger,
	}
}

// NewService builds a Drive service on an authenticated HTTP client
func NewService(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*drive.Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}
	return service, nil
}

// Service returns the underlying Drive service
func (c *Client) Service() *drive.Service {
	return c.service
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxInterval = time.Duration(utils.MaxRetryDelayMs) * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

// execute runs a Drive call, retrying rate-limit and server errors with
// exponential backoff, and classifies the final error
func execute[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	var result T
	logger := c.logger.WithContext(ctx)
	start := time.Now()
	attempts := 0

	operation := func() error {
		attempts++
		r, err := fn()
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("Drive request failed (retryable)",
			logging.F("op", op),
			logging.F("attempt", attempts),
			logging.F("delay_ms", delay.Milliseconds()),
			logging.F("error", err),
		)
	}

	if err := backoff.RetryNotify(operation, c.policy(ctx), notify); err != nil {
		logger.Debug("Drive request failed",
			logging.F("op", op),
			logging.F("attempts", attempts),
			logging.F("duration_ms", time.Since(start).Milliseconds()),
		)
		return result, classifyError(op, err, logger)
	}

	logger.Debug("Drive request completed",
		logging.F("op", op),
		logging.F("attempts", attempts),
		logging.F("duration_ms", time.Since(start).Milliseconds()),
	)
	return result, nil
}

// isRetryable checks if an error is transient
func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case 429, 500, 502, 503, 504:
		return true
	case 403:
		for _, e := range apiErr.Errors {
			switch e.Reason {
			case "userRateLimitExceeded", "rateLimitExceeded":
				return true
			}
		}
	}
	return false
}
