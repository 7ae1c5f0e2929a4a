package validate

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// DisplayName checks that a display name has visible content and no control
// characters. Length is not checked here; the state store truncates names to
// its own cap when storing them.
func DisplayName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDisplayName)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains control characters", ErrInvalidDisplayName, name)
		}
	}
	return nil
}

// BaseURL checks that a rendezvous base URL is absolute http or https with a
// host. Trailing slashes are the caller's problem; this only rejects URLs
// that could never reach a server.
func BaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidBaseURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q must use http or https", ErrInvalidBaseURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidBaseURL, raw)
	}
	return nil
}
