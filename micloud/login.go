package micloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go-micloud/internal/logging"
	"go-micloud/internal/metrics"
	"go-micloud/internal/signature"
)

const (
	serviceID     = "xiaomiio"
	sdkVersion    = "accountsdk-18.8.15"
	jsonMarker    = "&&&START&&&"
	serviceCookie = "serviceToken"
)

// Login runs the three-step password login and commits the session
// secrets only when every step succeeded.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if !c.beginLogin() {
		return ErrLoginInProgress
	}
	defer c.endLogin()
	if c.IsAuthenticated() {
		return ErrAlreadyAuthenticated
	}
	return c.passwordLogin(ctx, metrics.MethodPassword, username, password)
}

// RefreshServiceToken drops the current secrets and logs in again with
// the stored username and password.
func (c *Client) RefreshServiceToken(ctx context.Context) error {
	if !c.beginLogin() {
		return ErrLoginInProgress
	}
	defer c.endLogin()

	c.mu.RLock()
	username, password := c.username, c.password
	c.mu.RUnlock()
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	c.logger.Debugf("refreshing MiCloud service token for username %s", username)
	c.clearSecrets()
	return c.passwordLogin(ctx, metrics.MethodRefresh, username, password)
}

func (c *Client) passwordLogin(ctx context.Context, method, username, password string) error {
	start := time.Now()
	log := c.logger.WithField("username", username)
	log.Debugf("log in to MiCloud, request timeout %s", c.RequestTimeout())

	creds, err := c.runLoginSteps(ctx, log, username, password)
	metrics.LoginDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LoginAttempts.WithLabelValues(method, loginStatus(err)).Inc()
		return err
	}

	c.commit(creds, username, password)
	metrics.LoginAttempts.WithLabelValues(method, metrics.StatusSuccess).Inc()
	log.Debug("login successful")
	return nil
}

func (c *Client) runLoginSteps(ctx context.Context, log *logging.Logger, username, password string) (Credentials, error) {
	sign, err := c.loginStep1(ctx, log)
	if err != nil {
		return Credentials{}, err
	}
	auth, err := c.loginStep2(ctx, log, username, password, sign)
	if err != nil {
		return Credentials{}, err
	}

	target := sign
	if !strings.Contains(sign, "http") {
		target = auth.Location
	}
	token, err := c.loginStep3(ctx, log, target)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{SSecurity: auth.SSecurity, UserID: string(auth.UserID), ServiceToken: token}, nil
}

// loginStep1 fetches the _sign value.
func (c *Client) loginStep1(ctx context.Context, log *logging.Logger) (string, error) {
	u := c.endpoints.AccountURL + "/pass/serviceLogin?sid=" + serviceID + "&_json=true"
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return "", &LoginStepError{Step: 1, Err: err}
	}

	body, _, err := c.doLoginExchange(ctx, c.httpClient, req)
	log.Debug("login step 1")
	log.Tracef("login step 1 result: %s", redactBody(body))
	if err != nil {
		return "", &LoginStepError{Step: 1, Err: err}
	}

	var data signResponse
	if err := parseJSON(body, &data); err != nil {
		return "", &LoginStepError{Step: 1, Err: err}
	}
	if data.Sign == "" {
		return "", &LoginStepError{Step: 1, Err: fmt.Errorf("no _sign in response")}
	}
	return data.Sign, nil
}

// loginStep2 posts the credentials. Accounts with two-factor verification
// get a notification URL instead of ssecurity.
func (c *Client) loginStep2(ctx context.Context, log *logging.Logger, username, password, sign string) (*authResponse, error) {
	form := url.Values{
		"hash":     {signature.PasswordHash(password)},
		"_json":    {"true"},
		"sid":      {serviceID},
		"callback": {c.endpoints.STSURL},
		"qs":       {"%3Fsid%3D" + serviceID + "%26_json%3Dtrue"},
		"_sign":    {sign},
		"user":     {username},
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoints.AccountURL+"/pass/serviceLoginAuth2", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &LoginStepError{Step: 2, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookieHeader(
		"sdkVersion="+sdkVersion,
		"deviceId="+c.clientID,
	))

	body, _, err := c.doLoginExchange(ctx, c.httpClient, req)
	log.Debug("login step 2")
	log.Tracef("login step 2 result: %s", redactBody(body))
	if err != nil {
		return nil, &LoginStepError{Step: 2, Err: err}
	}

	var data authResponse
	if err := parseJSON(body, &data); err != nil {
		return nil, &LoginStepError{Step: 2, Err: err}
	}
	log.WithFields(map[string]interface{}{
		"ssecurity":       presence(data.SSecurity),
		"userId":          string(data.UserID),
		"location":        presence(data.Location),
		"notificationUrl": presence(data.NotificationURL),
	}).Debug("login step 2 parsed results")

	if data.SSecurity == "" && data.NotificationURL != "" {
		log.Debugf("2FA required, notification URL: %s", data.NotificationURL)
		return nil, &TwoFactorRequiredError{NotificationURL: data.NotificationURL}
	}
	if data.SSecurity == "" || data.UserID == "" || data.Location == "" {
		return nil, &LoginStepError{Step: 2, Err: fmt.Errorf("missing ssecurity, userId or location")}
	}
	return &data, nil
}

// loginStep3 exchanges the location URL for the serviceToken cookie.
func (c *Client) loginStep3(ctx context.Context, log *logging.Logger, location string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, location, nil)
	if err != nil {
		return "", &LoginStepError{Step: 3, Err: err}
	}

	client, jar := c.redirectClient()
	body, resp, err := c.doLoginExchange(ctx, client, req)
	log.Debug("login step 3")
	log.Tracef("login step 3 result: %s", redactBody(body))
	if err != nil {
		return "", &LoginStepError{Step: 3, Err: err}
	}

	token := findServiceToken(resp, jar, req.URL)
	if token == "" {
		return "", &LoginStepError{Step: 3, Err: fmt.Errorf("no %s cookie in response", serviceCookie)}
	}
	return token, nil
}

// doLoginExchange runs one login request under the client timeout and
// returns the body of a 2xx response.
func (c *Client) doLoginExchange(ctx context.Context, client *http.Client, req *http.Request) (string, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout())
	defer cancel()

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return "", nil, fmt.Errorf("%s %s: %w", req.Method, stripQuery(req.URL), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return string(raw), resp, &RequestError{StatusCode: resp.StatusCode, Status: statusText(resp)}
	}
	return string(raw), resp, nil
}

// redirectClient follows redirects and keeps cookies set anywhere along
// the chain for the duration of one exchange.
func (c *Client) redirectClient() (*http.Client, http.CookieJar) {
	jar, _ := cookiejar.New(nil)
	client := *c.httpClient
	client.Jar = jar
	return &client, jar
}

// findServiceToken looks at the final response first, then at cookies the
// jar collected for the final and the original URL.
func findServiceToken(resp *http.Response, jar http.CookieJar, original *url.URL) string {
	for _, ck := range resp.Cookies() {
		if ck.Name == serviceCookie && ck.Value != "" {
			return ck.Value
		}
	}
	if jar == nil {
		return ""
	}
	urls := []*url.URL{original}
	if resp.Request != nil && resp.Request.URL != nil {
		urls = append([]*url.URL{resp.Request.URL}, urls...)
	}
	for _, u := range urls {
		for _, ck := range jar.Cookies(u) {
			if ck.Name == serviceCookie && ck.Value != "" {
				return ck.Value
			}
		}
	}
	return ""
}

// parseJSON strips the account service's &&&START&&& prefix before decoding.
func parseJSON(body string, v interface{}) error {
	body = strings.TrimPrefix(body, jsonMarker)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func cookieHeader(pairs ...string) string {
	return strings.Join(pairs, "; ")
}

func statusText(resp *http.Response) string {
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
}

// secretFields matches the JSON string values of login response fields
// that must not reach the logs.
var secretFields = regexp.MustCompile(`("(?:ssecurity|psecurity|passToken|serviceToken|nonce)"\s*:\s*")[^"]*(")`)

func redactBody(body string) string {
	return secretFields.ReplaceAllString(body, "${1}<redacted>${2}")
}

// stripQuery drops the query, which carries auth and _ssign on STS URLs.
func stripQuery(u *url.URL) string {
	v := *u
	v.RawQuery = ""
	v.Fragment = ""
	return v.Redacted()
}

func presence(s string) string {
	if s == "" {
		return "missing"
	}
	return "present"
}

func loginStatus(err error) string {
	var twoFactor *TwoFactorRequiredError
	var placeholder *PlaceholderTokenError
	switch {
	case errors.As(err, &twoFactor):
		return metrics.StatusTwoFactorRequired
	case errors.As(err, &placeholder):
		return metrics.StatusDegraded
	default:
		return metrics.StatusFailure
	}
}
