package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-micloud/internal/logging"
	"go-micloud/micloud"
)

// seenData is the data field of every API request, in order.
type seenData struct {
	mu   sync.Mutex
	data []string
}

func (s *seenData) add(d string) {
	s.mu.Lock()
	s.data = append(s.data, d)
	s.mu.Unlock()
}

func (s *seenData) at(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.data) {
		return ""
	}
	return s.data[i]
}

func (s *seenData) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// plainCloud answers unencrypted API requests from a path keyed table.
func plainCloud(t *testing.T, replies map[string]string) (*micloud.Client, *seenData) {
	t.Helper()
	seen := &seenData{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseForm()) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seen.add(r.PostForm.Get("data"))
		reply, ok := replies[strings.TrimPrefix(r.URL.Path, "/app")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := micloud.New(micloud.Options{
		Unencrypted: true,
		Endpoints:   &micloud.Endpoints{AccountURL: srv.URL, STSURL: srv.URL + "/sts", APIScheme: "http", APIHost: u.Host},
	})
	require.NoError(t, err)
	require.True(t, client.SetServiceToken(micloud.Credentials{SSecurity: "c2VjcmV0", UserID: "42", ServiceToken: "TOK123"}))
	return client, seen
}

func serve(t *testing.T, client *micloud.Client, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	newRelayMux(client, logging.Nop()).ServeHTTP(rec, req)
	return rec
}

func TestRelayDevices(t *testing.T) {
	client, seen := plainCloud(t, map[string]string{
		"/home/device_list": `{"code":0,"message":"ok","result":{"list":[{"did":"1","name":"Lamp"}]}}`,
	})

	rec := serve(t, client, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []micloud.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "Lamp", devices[0].Name)

	rec = serve(t, client, http.MethodGet, "/devices?did=1&did=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, seen.len())
	assert.JSONEq(t, `{"dids":["1","2"]}`, seen.at(1))
}

func TestRelayDeviceNotFound(t *testing.T) {
	client, _ := plainCloud(t, map[string]string{
		"/home/device_list": `{"code":0,"message":"ok","result":{"list":[]}}`,
	})

	rec := serve(t, client, http.MethodGet, "/devices/404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "device not found")
}

func TestRelayRPC(t *testing.T) {
	client, seen := plainCloud(t, map[string]string{
		"/home/rpc/123": `{"code":0,"message":"ok","result":["on"]}`,
	})

	rec := serve(t, client, http.MethodPost, "/rpc/123", `{"method":"get_prop","params":["power"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["on"]`, rec.Body.String())
	assert.JSONEq(t, `{"method":"get_prop","params":["power"]}`, seen.at(0))

	rec = serve(t, client, http.MethodPost, "/rpc/123", `{"params":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayMiot(t *testing.T) {
	client, seen := plainCloud(t, map[string]string{
		"/miotspec/prop/get": `{"code":0,"result":[{"did":"1","siid":2,"piid":1,"value":true,"code":0}]}`,
		"/miotspec/prop/set": `{"code":0,"result":[{"did":"1","siid":2,"piid":1,"code":0}]}`,
		"/miotspec/action":   `{"code":0,"result":{"did":"1","siid":3,"aiid":1,"code":0}}`,
	})

	rec := serve(t, client, http.MethodPost, "/miot/props/get", `[{"did":"1","siid":2,"piid":1}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"value":true`)

	rec = serve(t, client, http.MethodPost, "/miot/props/set", `[{"did":"1","siid":2,"piid":1,"value":false}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"params":[{"did":"1","siid":2,"piid":1,"value":false}]}`, seen.at(1))

	rec = serve(t, client, http.MethodPost, "/miot/action", `{"did":"1","siid":3,"aiid":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"params":{"did":"1","siid":3,"aiid":1,"in":[]}}`, seen.at(2))

	rec = serve(t, client, http.MethodPost, "/miot/props/get", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayUpstreamFailure(t *testing.T) {
	client, _ := plainCloud(t, map[string]string{})

	rec := serve(t, client, http.MethodGet, "/devices", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "404")
}

func TestRelayNotAuthenticated(t *testing.T) {
	client, err := micloud.New(micloud.Options{})
	require.NoError(t, err)

	rec := serve(t, client, http.MethodGet, "/devices", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRelayHealthAndMetrics(t *testing.T) {
	client, _ := plainCloud(t, map[string]string{
		"/home/device_list": `{"code":0,"message":"ok","result":{"list":[]}}`,
	})

	rec := serve(t, client, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"authenticated":true,"country":"cn"}`, rec.Body.String())

	serve(t, client, http.MethodGet, "/devices", "")
	rec = serve(t, client, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `micloud_requests_total{mode="plain",status="success"}`)
}
