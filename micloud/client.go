// Package micloud talks to the Xiaomi cloud: it logs in against the
// account service (optionally through a two-factor callback) and issues
// signed, optionally RC4-encrypted, requests to the MIoT API.
package micloud

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go-micloud/internal/logging"
	"go-micloud/internal/streamcipher"
)

const (
	DefaultCountry = "cn"
	DefaultLocale  = "en"
	DefaultTimeout = 5000 * time.Millisecond
	MinTimeout     = 2000 * time.Millisecond
)

// Countries lists the region codes the API serves.
var Countries = []string{"ru", "us", "tw", "sg", "cn", "de", "in", "i2"}

// Client owns one cloud session. Requests may run concurrently; login,
// logout and refresh must not overlap requests that need a stable session.
type Client struct {
	mu           sync.RWMutex
	username     string
	password     string
	ssecurity    string
	userID       string
	serviceToken string
	country      string
	locale       string
	timeout      time.Duration
	unencrypted  bool

	loggingIn atomic.Bool

	clientID  string
	agentID   string
	userAgent string

	endpoints  Endpoints
	httpClient *http.Client
	newCipher  CipherFactory
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// New creates a client with a freshly generated device fingerprint.
func New(opts Options) (*Client, error) {
	clientID, err := randomString(6, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	if err != nil {
		return nil, err
	}
	agentID, err := randomString(13, "ABCDEF")
	if err != nil {
		return nil, err
	}

	c := &Client{
		country:    DefaultCountry,
		locale:     DefaultLocale,
		clientID:   clientID,
		agentID:    agentID,
		userAgent:  fmt.Sprintf("Android-7.1.1-1.0.0-ONEPLUS A3010-136-%s APP/com.xiaomi.mihome APPV/10.5.201", agentID),
		endpoints:  DefaultEndpoints(),
		httpClient: opts.HTTPClient,
		newCipher:  opts.Cipher,
		logger:     opts.Logger,
	}
	if opts.Endpoints != nil {
		c.endpoints = *opts.Endpoints
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.newCipher == nil {
		c.newCipher = streamcipher.NewRC4
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	if opts.Locale != "" {
		c.locale = opts.Locale
	}
	if opts.Country != "" {
		if err := c.SetCountry(opts.Country); err != nil {
			return nil, err
		}
	}
	c.SetRequestTimeout(opts.Timeout)
	c.SetUseUnencryptedRequests(opts.Unencrypted)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

// IsAuthenticated reports whether the session holds a service token.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serviceToken != ""
}

// SetCountry selects the API region.
func (c *Client) SetCountry(country string) error {
	country = strings.ToLower(strings.TrimSpace(country))
	if country == "" {
		country = DefaultCountry
	}
	if !slices.Contains(Countries, country) {
		return fmt.Errorf("%w: %q, supported: %s", ErrUnsupportedCountry, country, strings.Join(Countries, ", "))
	}
	c.mu.Lock()
	c.country = country
	c.mu.Unlock()
	return nil
}

// Country returns the selected region code.
func (c *Client) Country() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.country
}

// SetRequestTimeout sets the per-exchange timeout, never below MinTimeout.
// Zero selects DefaultTimeout.
func (c *Client) SetRequestTimeout(d time.Duration) {
	if d == 0 {
		d = DefaultTimeout
	}
	if d < MinTimeout {
		d = MinTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// RequestTimeout returns the effective per-exchange timeout.
func (c *Client) RequestTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// SetUseUnencryptedRequests switches between plain and RC4 requests.
func (c *Client) SetUseUnencryptedRequests(unencrypted bool) {
	c.mu.Lock()
	c.unencrypted = unencrypted
	c.mu.Unlock()
}

// ServiceToken exports the session secrets when authenticated.
func (c *Client) ServiceToken() (Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serviceToken == "" {
		return Credentials{}, false
	}
	return Credentials{SSecurity: c.ssecurity, UserID: c.userID, ServiceToken: c.serviceToken}, true
}

// SetServiceToken imports session secrets. Incomplete triples are ignored
// and reported as false.
func (c *Client) SetServiceToken(creds Credentials) bool {
	if !creds.complete() {
		return false
	}
	c.commit(creds, "", "")
	return true
}

// Logout clears all identity state and resets the region.
func (c *Client) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serviceToken == "" {
		return ErrNotAuthenticated
	}
	c.logger.Debugf("logout from MiCloud for username %s", c.username)
	c.username = ""
	c.password = ""
	c.ssecurity = ""
	c.userID = ""
	c.serviceToken = ""
	c.country = DefaultCountry
	return nil
}

// commit stores a complete credential triple in one step.
func (c *Client) commit(creds Credentials, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
	c.ssecurity = creds.SSecurity
	c.userID = creds.UserID
	c.serviceToken = creds.ServiceToken
}

func (c *Client) clearSecrets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssecurity = ""
	c.userID = ""
	c.serviceToken = ""
}

// snapshot is a consistent read of everything a request needs.
type snapshot struct {
	Credentials
	country     string
	locale      string
	timeout     time.Duration
	unencrypted bool
}

func (c *Client) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot{
		Credentials: Credentials{SSecurity: c.ssecurity, UserID: c.userID, ServiceToken: c.serviceToken},
		country:     c.country,
		locale:      c.locale,
		timeout:     c.timeout,
		unencrypted: c.unencrypted,
	}
}

func (c *Client) beginLogin() bool {
	return c.loggingIn.CompareAndSwap(false, true)
}

func (c *Client) endLogin() {
	c.loggingIn.Store(false)
}

func (c *Client) apiURL(country string) string {
	country = strings.ToLower(strings.TrimSpace(country))
	host := c.endpoints.APIHost
	if country != DefaultCountry {
		host = country + "." + host
	}
	return fmt.Sprintf("%s://%s/app", c.endpoints.APIScheme, host)
}

func randomString(n int, charset string) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random id generation failed: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}
