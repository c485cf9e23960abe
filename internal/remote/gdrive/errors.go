package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/utils"
	"google.golang.org/api/googleapi"
)

// classifyError converts a Drive failure into the remote error kinds. The
// returned error unwraps to remote.ErrOffline, remote.ErrAuth or
// remote.ErrNotFound when one applies.
func classifyError(op string, err error, logger logging.Logger) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		var netErr net.Error
		var urlErr *url.Error
		if errors.As(err, &netErr) || errors.As(err, &urlErr) {
			logger.Warn("Drive unreachable", logging.F("op", op), logging.F("error", err))
			return fmt.Errorf("%s: %w: %v", op, remote.ErrOffline, err)
		}
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeNetworkError, err.Error()).
			WithRetryable(true).
			WithContext("op", op).
			Build(), err)
	}

	var code string
	var retryable bool
	cause := error(apiErr)

	switch apiErr.Code {
	case 400, 409:
		code = utils.ErrCodeInvalidArgument
	case 401:
		code = utils.ErrCodeAuthExpired
		cause = remote.ErrAuth
	case 403:
		code = utils.ErrCodePermissionDenied
		for _, e := range apiErr.Errors {
			switch e.Reason {
			case "userRateLimitExceeded", "rateLimitExceeded", "dailyLimitExceeded":
				code = utils.ErrCodeRateLimited
				retryable = e.Reason != "dailyLimitExceeded"
			}
		}
	case 404:
		code = utils.ErrCodeNodeNotFound
		cause = remote.ErrNotFound
	case 429:
		code = utils.ErrCodeRateLimited
		retryable = true
	case 500, 502, 503, 504:
		code = utils.ErrCodeNetworkError
		retryable = true
	default:
		code = utils.ErrCodeUnknown
		retryable = apiErr.Code >= 500
	}

	logger.Error("Drive error classified",
		logging.F("op", op),
		logging.F("httpStatus", apiErr.Code),
		logging.F("errorCode", code),
		logging.F("retryable", retryable),
		logging.F("message", apiErr.Message),
	)

	builder := utils.NewCLIError(code, apiErr.Message).
		WithHTTPStatus(apiErr.Code).
		WithRetryable(retryable).
		WithContext("op", op)
	if len(apiErr.Errors) > 0 {
		builder.WithReason(apiErr.Errors[0].Reason)
	}
	switch code {
	case utils.ErrCodeAuthExpired:
		builder.WithContext("suggestedAction", "run 'docsync auth login' to re-authenticate")
	case utils.ErrCodeRateLimited:
		builder.WithContext("suggestedAction", "wait before retrying")
	}

	return utils.WrapAppError(builder.Build(), cause)
}
