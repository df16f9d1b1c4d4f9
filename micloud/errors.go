package micloud

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyAuthenticated is returned when logging in on a session that already holds a service token.
	ErrAlreadyAuthenticated = errors.New("micloud: already authenticated")
	// ErrNotAuthenticated is returned when an operation needs a service token and there is none.
	ErrNotAuthenticated = errors.New("micloud: not authenticated")
	// ErrInvalidTwoFactorURL is returned when a callback URL is not a usable STS URL.
	ErrInvalidTwoFactorURL = errors.New("micloud: invalid two-factor callback url")
	// ErrUnsupportedCountry is returned for region codes the API has no host for.
	ErrUnsupportedCountry = errors.New("micloud: unsupported country")
	// ErrDecryptionFailed is returned when a response cannot be decrypted or parsed.
	ErrDecryptionFailed = errors.New("micloud: response decryption or parse failed")
	// ErrLoginInProgress is returned when a second login overlaps a running one.
	ErrLoginInProgress = errors.New("micloud: login already in progress")
	// ErrMissingCredentials is returned by RefreshServiceToken when no password login happened.
	ErrMissingCredentials = errors.New("micloud: no stored username and password")
	// ErrNoResult is returned by device helpers when the response carries no result.
	ErrNoResult = errors.New("micloud: response has no result")
	// ErrDeviceNotFound is returned by GetDevice when the device list is empty.
	ErrDeviceNotFound = errors.New("micloud: device not found")
)

// LoginStepError reports which of the three login steps failed.
type LoginStepError struct {
	Step int
	Err  error
}

func (e *LoginStepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("micloud: login step %d failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("micloud: login step %d failed", e.Step)
}

func (e *LoginStepError) Unwrap() error {
	return e.Err
}

// TwoFactorRequiredError is the step 2 outcome for accounts with
// two-factor verification. The caller opens NotificationURL in a browser,
// completes verification and passes the resulting STS URL to
// LoginWithTwoFactor.
type TwoFactorRequiredError struct {
	NotificationURL string
}

func (e *TwoFactorRequiredError) Error() string {
	return fmt.Sprintf("micloud: two-factor authentication required, open %s", e.NotificationURL)
}

// RequestError is a non-2xx reply from the API.
type RequestError struct {
	StatusCode int
	Status     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("micloud: request error with status %d %s", e.StatusCode, e.Status)
}

// PlaceholderTokenError is returned by LoginWithTwoFactor when the STS
// exchange produced no service token. Credentials holds a token derived
// from the auth parameter that the server is not known to accept; the
// session is left unauthenticated.
type PlaceholderTokenError struct {
	Credentials Credentials
}

func (e *PlaceholderTokenError) Error() string {
	return "micloud: no service token in sts response, only a placeholder could be derived"
}
