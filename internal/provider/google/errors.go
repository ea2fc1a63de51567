package google

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/calsync/backend/internal/provider"
)

// rateLimitReasons are the 403 reasons Google uses for throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// credentialReasons are the 403 reasons that concern the grant itself
// rather than one calendar or event.
var credentialReasons = map[string]bool{
	"insufficientPermissions": true,
	"authError":               true,
}

// WrapError classifies a Calendar API error into the provider sentinels.
// The original error stays reachable through errors.As.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if provider.IsCancelled(err) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport-level failure.
		return fmt.Errorf("%w: %w", provider.ErrTransient, err)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", provider.ErrUnauthorized, err)
	case gerr.Code == http.StatusForbidden && hasReason(gerr, rateLimitReasons):
		return fmt.Errorf("%w: %w", provider.ErrTransient, err)
	case gerr.Code == http.StatusForbidden && hasReason(gerr, credentialReasons):
		return fmt.Errorf("%w: %w", provider.ErrAuth, err)
	case gerr.Code == http.StatusForbidden:
		// forbiddenForNonOrganizer, requiredAccessLevel and the like refuse
		// one resource only.
		return fmt.Errorf("%w: %w", provider.ErrData, err)
	case gerr.Code == http.StatusNotFound, gerr.Code == http.StatusGone:
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
		return fmt.Errorf("%w: %w", provider.ErrTransient, err)
	case gerr.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", provider.ErrData, err)
	default:
		return fmt.Errorf("%w: %w", provider.ErrTransient, err)
	}
}

func hasReason(gerr *googleapi.Error, reasons map[string]bool) bool {
	for _, item := range gerr.Errors {
		if reasons[item.Reason] {
			return true
		}
	}
	return false
}

// retryAfter returns the backoff requested by a throttling response.
func retryAfter(err error) (time.Duration, bool) {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return 0, false
	}
	if gerr.Code != http.StatusTooManyRequests && !(gerr.Code == http.StatusForbidden && hasReason(gerr, rateLimitReasons)) {
		return 0, false
	}
	if gerr.Header != nil {
		if secs, err := strconv.Atoi(gerr.Header.Get("Retry-After")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return provider.DefaultBackoff, true
}

// wrapTokenError classifies an OAuth token endpoint failure. Rejections of
// the grant are auth failures; everything else is transient.
func wrapTokenError(err error) error {
	if provider.IsCancelled(err) {
		return err
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "invalid_client" || rerr.ErrorCode == "unauthorized_client" {
			return fmt.Errorf("%w: %w", provider.ErrAuth, err)
		}
		if rerr.Response != nil {
			switch rerr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Errorf("%w: %w", provider.ErrAuth, err)
			}
		}
	}
	return fmt.Errorf("%w: %w", provider.ErrTransient, err)
}
