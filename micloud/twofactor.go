package micloud

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-micloud/internal/logging"
	"go-micloud/internal/metrics"
	"go-micloud/internal/signature"
)

const (
	fallbackUserID        = "sts_user"
	placeholderTokenChars = 64
)

// ParseTwoFactorURL extracts the session parameters from the STS URL the
// browser lands on after two-factor verification, using the production
// STS host.
func ParseTwoFactorURL(callbackURL string) (*AuthParams, error) {
	return parseSTSParams(DefaultEndpoints().STSURL, callbackURL)
}

// LoginWithTwoFactor completes a login from an authenticated STS callback
// URL. No username or password is stored, so the session cannot be
// refreshed with RefreshServiceToken.
func (c *Client) LoginWithTwoFactor(ctx context.Context, callbackURL string) error {
	if !c.beginLogin() {
		return ErrLoginInProgress
	}
	defer c.endLogin()
	if c.IsAuthenticated() {
		return ErrAlreadyAuthenticated
	}

	start := time.Now()
	log := c.logger.WithField("method", metrics.MethodTwoFactor)
	log.Debugf("log in to MiCloud with 2FA authenticated URL, request timeout %s", c.RequestTimeout())

	creds, err := c.twoFactorLogin(ctx, log, callbackURL)
	metrics.LoginDuration.WithLabelValues(metrics.MethodTwoFactor).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LoginAttempts.WithLabelValues(metrics.MethodTwoFactor, loginStatus(err)).Inc()
		return err
	}

	c.commit(creds, "", "")
	metrics.LoginAttempts.WithLabelValues(metrics.MethodTwoFactor, metrics.StatusSuccess).Inc()
	log.Debug("2FA login successful")
	return nil
}

func (c *Client) twoFactorLogin(ctx context.Context, log *logging.Logger, callbackURL string) (Credentials, error) {
	params, err := parseSTSParams(c.endpoints.STSURL, callbackURL)
	if err != nil {
		log.WithError(err).Debug("URL is not an authenticated STS URL")
		return Credentials{}, err
	}
	log.WithFields(map[string]interface{}{
		"ticket": params.Ticket,
		"auth":   presence(params.AuthToken),
		"_ssign": presence(params.SSign),
		"d":      params.DeviceID,
	}).Debug("extracted STS parameters")

	creds := Credentials{SSecurity: params.SSecurity, UserID: params.UserID}

	token, err := c.stsExchange(ctx, log, params)
	if err != nil {
		return Credentials{}, err
	}
	if token != "" {
		creds.ServiceToken = token
		log.Debugf("2FA serviceToken extracted: %s", logging.Redact(token, 10))
		return creds, nil
	}

	placeholder, err := placeholderToken(params.AuthToken)
	if err != nil {
		return Credentials{}, &LoginStepError{Step: 3, Err: err}
	}
	creds.ServiceToken = placeholder
	log.Warn("no serviceToken returned by STS, derived a placeholder from the auth parameter")
	return Credentials{}, &PlaceholderTokenError{Credentials: creds}
}

// stsExchange requests the STS URL and returns the service token from a
// cookie or from the final redirect URL. An empty token with a nil error
// means the server handed out neither.
func (c *Client) stsExchange(ctx context.Context, log *logging.Logger, params *AuthParams) (string, error) {
	req, err := http.NewRequest(http.MethodGet, params.STSURL, nil)
	if err != nil {
		return "", &LoginStepError{Step: 3, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	log.Debug("making 2FA login step 3 request")
	client, jar := c.redirectClient()
	body, resp, err := c.doLoginExchange(ctx, client, req)
	log.Tracef("2FA login step 3 result: %s", redactBody(body))
	if err != nil {
		return "", &LoginStepError{Step: 3, Err: err}
	}

	if token := findServiceToken(resp, jar, req.URL); token != "" {
		return token, nil
	}

	log.Debug("no serviceToken found in cookies, checking final URL")
	if resp.Request != nil && resp.Request.URL != nil {
		if token := resp.Request.URL.Query().Get(serviceCookie); token != "" {
			return token, nil
		}
	}
	return "", nil
}

// parseSTSParams validates that callbackURL points at the STS endpoint and
// derives userId and ssecurity from its query.
func parseSTSParams(stsURL, callbackURL string) (*AuthParams, error) {
	marker, err := stsMarker(stsURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSpace(callbackURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTwoFactorURL, err)
	}
	if !strings.Contains(u.Host+u.Path, marker) {
		return nil, fmt.Errorf("%w: not an authenticated %s url", ErrInvalidTwoFactorURL, marker)
	}

	q := u.Query()
	params := &AuthParams{
		STSURL:    u.String(),
		Ticket:    q.Get("ticket"),
		AuthToken: q.Get("auth"),
		SSign:     q.Get("_ssign"),
		DeviceID:  q.Get("d"),
	}
	if params.AuthToken == "" || params.SSign == "" {
		return nil, fmt.Errorf("%w: auth or _ssign parameter missing", ErrInvalidTwoFactorURL)
	}

	ssign, err := signature.FromBase64(params.SSign)
	if err != nil {
		return nil, fmt.Errorf("%w: _ssign: %v", ErrInvalidTwoFactorURL, err)
	}
	params.SSecurity = hex.EncodeToString(ssign)
	params.UserID = params.DeviceID
	if params.UserID == "" {
		params.UserID = fallbackUserID
	}
	return params, nil
}

func stsMarker(stsURL string) (string, error) {
	u, err := url.Parse(stsURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: bad sts endpoint %q", ErrInvalidTwoFactorURL, stsURL)
	}
	return u.Host + u.Path, nil
}

func placeholderToken(auth string) (string, error) {
	raw, err := signature.FromBase64(auth)
	if err != nil {
		return "", fmt.Errorf("decode auth parameter: %w", err)
	}
	token := hex.EncodeToString(raw)
	if len(token) > placeholderTokenChars {
		token = token[:placeholderTokenChars]
	}
	if token == "" {
		return "", fmt.Errorf("empty auth parameter")
	}
	return token, nil
}
