package micloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go-micloud/internal/logging"
	"go-micloud/internal/streamcipher"
)

// Credentials is the session secret triple. All three fields are set
// together or not at all.
type Credentials struct {
	SSecurity    string `json:"ssecurity"`
	UserID       string `json:"userId"`
	ServiceToken string `json:"serviceToken"`
}

func (c Credentials) complete() bool {
	return c.SSecurity != "" && c.UserID != "" && c.ServiceToken != ""
}

// AuthParams is what a two-factor STS callback URL carries.
type AuthParams struct {
	STSURL    string
	Ticket    string
	AuthToken string
	SSign     string
	DeviceID  string
	UserID    string
	SSecurity string
}

// Endpoints are the vendor hosts. Tests point them at local servers.
type Endpoints struct {
	AccountURL string
	STSURL     string
	APIScheme  string
	APIHost    string
}

// DefaultEndpoints returns the production hosts.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AccountURL: "https://account.xiaomi.com",
		STSURL:     "https://sts.api.io.mi.com/sts",
		APIScheme:  "https",
		APIHost:    "api.io.mi.com",
	}
}

type (
	// Cipher is the keystream cipher capability used for encrypted requests.
	Cipher = streamcipher.Cipher
	// CipherFactory builds a Cipher from key material and a discard count.
	CipherFactory = streamcipher.Factory
)

// Options configures a Client. The zero value is usable.
type Options struct {
	Country     string
	Locale      string
	Timeout     time.Duration
	Unencrypted bool

	// RateLimit caps outgoing API requests per second. Zero disables it.
	RateLimit float64
	RateBurst int

	Endpoints  *Endpoints
	HTTPClient *http.Client
	Cipher     CipherFactory
	Logger     *logging.Logger
}

// -- API DTOs --

// flexString accepts both JSON strings and numbers; the account service
// returns userId as a number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

type signResponse struct {
	Sign string `json:"_sign"`
}

type authResponse struct {
	SSecurity       string     `json:"ssecurity"`
	UserID          flexString `json:"userId"`
	Location        string     `json:"location"`
	NotificationURL string     `json:"notificationUrl"`
}

// Response is a decoded API reply. Raw holds the whole decoded object.
type Response struct {
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Raw     json.RawMessage `json:"-"`
}

// HasResult reports whether the reply carried a non-null result.
func (r *Response) HasResult() bool {
	return len(r.Result) > 0 && !bytes.Equal(r.Result, []byte("null"))
}

// DecodeResult unmarshals the result field into v.
func (r *Response) DecodeResult(v interface{}) error {
	if !r.HasResult() {
		return ErrNoResult
	}
	return json.Unmarshal(r.Result, v)
}

// Device is one entry of the device list.
type Device struct {
	DID      string `json:"did"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Token    string `json:"token"`
	LocalIP  string `json:"localip"`
	MAC      string `json:"mac"`
	SSID     string `json:"ssid"`
	ParentID string `json:"parent_id"`
	SpecType string `json:"spec_type"`
	IsOnline bool   `json:"isOnline"`
	RSSI     int    `json:"rssi"`
}

// PropertyQuery addresses one MIoT property.
type PropertyQuery struct {
	DID  string `json:"did"`
	SIID int    `json:"siid"`
	PIID int    `json:"piid"`
}

// PropertyValue is a MIoT property write.
type PropertyValue struct {
	DID   string      `json:"did"`
	SIID  int         `json:"siid"`
	PIID  int         `json:"piid"`
	Value interface{} `json:"value"`
}

// PropertyResult is the per-property reply of prop/get and prop/set.
type PropertyResult struct {
	DID   string      `json:"did"`
	SIID  int         `json:"siid"`
	PIID  int         `json:"piid"`
	Value interface{} `json:"value,omitempty"`
	Code  int         `json:"code"`
}

// ActionParams invokes a MIoT action.
type ActionParams struct {
	DID  string        `json:"did"`
	SIID int           `json:"siid"`
	AIID int           `json:"aiid"`
	In   []interface{} `json:"in"`
}

// ActionResult is the reply of a MIoT action.
type ActionResult struct {
	DID  string        `json:"did"`
	SIID int           `json:"siid"`
	AIID int           `json:"aiid"`
	Code int           `json:"code"`
	Out  []interface{} `json:"out,omitempty"`
}
