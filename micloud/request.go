package micloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-micloud/internal/logging"
	"go-micloud/internal/metrics"
)

// Request sends data to an API path such as /home/device_list and returns
// the decoded reply. A reply with a message but no result is returned as
// is; callers inspect it.
func (c *Client) Request(ctx context.Context, path string, data interface{}) (*Response, error) {
	s := c.snapshot()
	if s.ServiceToken == "" {
		return nil, ErrNotAuthenticated
	}

	mode := metrics.ModeEncrypted
	if s.unencrypted {
		mode = metrics.ModePlain
	}
	log := c.logger.WithFields(map[string]interface{}{
		"request_id": uuid.NewString(),
		"path":       path,
		"mode":       mode,
	})

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.request(ctx, log, s, path, data)
	metrics.RequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	log.Performance("request", time.Since(start))
	if err != nil {
		metrics.Requests.WithLabelValues(mode, metrics.StatusFailure).Inc()
		return nil, err
	}
	metrics.Requests.WithLabelValues(mode, metrics.StatusSuccess).Inc()

	if !resp.HasResult() && resp.Message != "" {
		metrics.SoftErrors.Inc()
		log.Debugf("no result in response from MiCloud, message: %s", resp.Message)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, log *logging.Logger, s snapshot, path string, data interface{}) (*Response, error) {
	rawURL := c.apiURL(s.country) + path

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode request data: %w", err)
	}
	params := map[string]string{"data": string(payload)}

	env, err := newEnvelope(s.SSecurity)
	if err != nil {
		return nil, err
	}

	var form url.Values
	if s.unencrypted {
		form, err = env.plainForm(path, params)
		log.Tracef("unencrypted request %s - %s", rawURL, payload)
	} else {
		form, err = env.encryptedForm(c.newCipher, rawURL, s.SSecurity, params)
		log.Tracef("encrypted request %s - %s", rawURL, payload)
	}
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	c.setAPIHeaders(req, s)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Status: statusText(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if !s.unencrypted {
		body, err = env.decrypt(c.newCipher, string(bytes.TrimSpace(body)))
		if err != nil {
			return nil, err
		}
	}
	log.Tracef("response %s", body)

	return decodeResponse(body)
}

func (c *Client) setAPIHeaders(req *http.Request, s snapshot) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("x-xiaomi-protocal-flag-cli", "PROTOCAL-HTTP2")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !s.unencrypted {
		req.Header.Set("Accept-Encoding", "identity")
		req.Header.Set("MIOT-ENCRYPT-ALGORITHM", "ENCRYPT-RC4")
	}
	req.Header.Set("Cookie", cookieHeader(
		"sdkVersion="+sdkVersion,
		"deviceId="+c.clientID,
		"userId="+s.UserID,
		"yetAnotherServiceToken="+s.ServiceToken,
		"serviceToken="+s.ServiceToken,
		"locale="+s.locale,
		"channel=MI_APP_STORE",
	))
}

func decodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	resp.Raw = append(json.RawMessage(nil), body...)
	return &resp, nil
}
