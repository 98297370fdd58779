package notify

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoContact is returned when the recipient has no address for the chosen channel.
var ErrNoContact = errors.New("notify: recipient has no contact address")

// ProviderError is a non-2xx answer from a delivery provider.
type ProviderError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *ProviderError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("notify: %s returned status %d: %s", e.Provider, e.Status, e.Detail)
	}
	return fmt.Sprintf("notify: %s returned status %d", e.Provider, e.Status)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *ProviderError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
}

// IsPermanent reports whether err is a provider rejection that should not be retried.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoContact) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}
