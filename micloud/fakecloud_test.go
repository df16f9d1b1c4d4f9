package micloud

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-micloud/internal/signature"
	"go-micloud/internal/streamcipher"
)

const (
	testSecret    = "c2VjcmV0"
	testUserID    = "42"
	testToken     = "TOK123"
	testNonce     = "AQIDBAUGBwgBsFUV"
	testSigned    = "AhfK2nBG3F1KgVKS1fljm+AX+LWOhpfxh61ej5E/h8Y="
	devicesData   = `{"getHuamiDevices":0,"getVirtualModel":false}`
	devicesResult = `{"code":0,"message":"ok","result":{"list":[{"did":"1","name":"Lamp"}]}}`
)

// apiCall is one API request as seen by the fake cloud after signature
// checks and decryption.
type apiCall struct {
	path      string
	header    http.Header
	form      url.Values
	data      string
	encrypted bool
}

// fakeCloud serves the account, STS and API endpoints on one local server.
// Configuration fields are set by the option funcs before the server starts.
type fakeCloud struct {
	t   *testing.T
	srv *httptest.Server

	step1Status  int
	step1Body    func(base string) string
	step2Status  int
	step2Body    func(base string) string
	tokens       []string
	stsMode      string
	rawAPI       bool
	api          func(path, data string) (int, string)
	step1Entered chan struct{}
	step1Release chan struct{}

	mu          sync.Mutex
	step2Form   url.Values
	step2Cookie string
	hits        map[string]int
	tokenIdx    int
	calls       []apiCall
}

func newFakeCloud(t *testing.T, opts ...func(*fakeCloud)) *fakeCloud {
	t.Helper()
	f := &fakeCloud{
		t:           t,
		step1Status: http.StatusOK,
		step1Body: func(string) string {
			return `&&&START&&&{"serviceParam":"{\"checkSafePhone\":false}","_sign":"SIGN1"}`
		},
		step2Status: http.StatusOK,
		step2Body: func(base string) string {
			return `&&&START&&&{"ssecurity":"` + testSecret + `","userId":42,"location":"` + base + `/sts/location"}`
		},
		tokens:  []string{testToken},
		stsMode: "cookie",
		api: func(string, string) (int, string) {
			return http.StatusOK, devicesResult
		},
		hits: map[string]int{},
	}
	for _, o := range opts {
		o(f)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", f.handleStep1)
	mux.HandleFunc("/pass/serviceLoginAuth2", f.handleStep2)
	mux.HandleFunc("/sts/location", f.handleTokenCookie)
	mux.HandleFunc("/sts/sign", f.handleTokenCookie)
	mux.HandleFunc("/sts/redirect", f.handleRedirect)
	mux.HandleFunc("/sts/final", f.handlePlain)
	mux.HandleFunc("/sts/nocookie", f.handlePlain)
	mux.HandleFunc("/sts/done", f.handlePlain)
	mux.HandleFunc("/sts", f.handleSTS)
	mux.HandleFunc("/app/", f.handleAPI)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) endpoints() *Endpoints {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	return &Endpoints{
		AccountURL: f.srv.URL,
		STSURL:     f.srv.URL + "/sts",
		APIScheme:  "http",
		APIHost:    u.Host,
	}
}

func (f *fakeCloud) newClient(opts Options) *Client {
	f.t.Helper()
	opts.Endpoints = f.endpoints()
	c, err := New(opts)
	require.NoError(f.t, err)
	return c
}

// authenticatedClient returns a client holding the test session secrets.
func (f *fakeCloud) authenticatedClient(unencrypted bool) *Client {
	f.t.Helper()
	c := f.newClient(Options{Unencrypted: unencrypted})
	require.True(f.t, c.SetServiceToken(Credentials{SSecurity: testSecret, UserID: testUserID, ServiceToken: testToken}))
	return c
}

func (f *fakeCloud) hit(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeCloud) apiCalls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeCloud) lastCall() apiCall {
	f.t.Helper()
	calls := f.apiCalls()
	require.NotEmpty(f.t, calls)
	return calls[len(calls)-1]
}

func (f *fakeCloud) count(r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.mu.Unlock()
}

func (f *fakeCloud) handleStep1(w http.ResponseWriter, r *http.Request) {
	f.count(r)
	assert.Equal(f.t, http.MethodGet, r.Method)
	assert.Equal(f.t, "xiaomiio", r.URL.Query().Get("sid"))
	assert.Equal(f.t, "true", r.URL.Query().Get("_json"))

	if f.step1Entered != nil {
		f.step1Entered <- struct{}{}
		<-f.step1Release
	}
	w.WriteHeader(f.step1Status)
	io.WriteString(w, f.step1Body("http://"+r.Host))
}

func (f *fakeCloud) handleStep2(w http.ResponseWriter, r *http.Request) {
	f.count(r)
	assert.Equal(f.t, http.MethodPost, r.Method)
	assert.NoError(f.t, r.ParseForm())

	f.mu.Lock()
	f.step2Form = r.PostForm
	f.step2Cookie = r.Header.Get("Cookie")
	f.mu.Unlock()

	w.WriteHeader(f.step2Status)
	io.WriteString(w, f.step2Body("http://"+r.Host))
}

func (f *fakeCloud) nextToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := f.tokens[f.tokenIdx]
	if f.tokenIdx < len(f.tokens)-1 {
		f.tokenIdx++
	}
	return tok
}

func (f *fakeCloud) handleTokenCookie(w http.ResponseWriter, r *http.Request) {
	f.count(r)
	http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: f.nextToken(), Path: "/"})
	io.WriteString(w, "ok")
}

func (f *fakeCloud) handleRedirect(w http.ResponseWriter, r *http.Request) {
	f.count(r)
	http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: f.nextToken(), Path: "/"})
	http.Redirect(w, r, "/sts/final", http.StatusFound)
}

func (f *fakeCloud) handlePlain(w http.ResponseWriter, r *http.Request) {
	f.count(r)
	io.WriteString(w, "ok")
}

func (f *fakeCloud) handleSTS(w http.ResponseWriter, r *http.Request) {
	f.count(r)
	switch f.stsMode {
	case "cookie":
		http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: f.nextToken(), Path: "/"})
		io.WriteString(w, "ok")
	case "redirect":
		http.Redirect(w, r, "/sts/done?serviceToken=FROMURL", http.StatusFound)
	case "error":
		w.WriteHeader(http.StatusForbidden)
	default:
		io.WriteString(w, "ok")
	}
}

// handleAPI verifies the request the way the real API does and answers
// with f.api, encrypting the reply for RC4 requests.
func (f *fakeCloud) handleAPI(w http.ResponseWriter, r *http.Request) {
	if !assert.NoError(f.t, r.ParseForm()) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	call := apiCall{
		path:      strings.TrimPrefix(r.URL.Path, "/app"),
		header:    r.Header.Clone(),
		form:      r.PostForm,
		encrypted: r.Header.Get("MIOT-ENCRYPT-ALGORITHM") != "",
	}

	signed, err := signature.SignedNonce(testSecret, r.PostForm.Get("_nonce"))
	if !assert.NoError(f.t, err) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if call.encrypted {
		data, ok := f.openEncrypted(r, signed)
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		call.data = data
	} else {
		want, err := signature.SignPlain(call.path, signed, r.PostForm.Get("_nonce"), map[string]string{"data": r.PostForm.Get("data")})
		if !assert.NoError(f.t, err) || !assert.Equal(f.t, want, r.PostForm.Get("signature"), "plain signature") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		call.data = r.PostForm.Get("data")
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	status, body := f.api(call.path, call.data)
	if call.encrypted && status == http.StatusOK && !f.rawAPI {
		body = f.seal(signed, body)
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (f *fakeCloud) openEncrypted(r *http.Request, signed string) (string, bool) {
	form := r.PostForm
	rawURL := "http://" + r.Host + r.URL.Path

	if !assert.Equal(f.t, testSecret, form.Get("ssecurity")) {
		return "", false
	}
	outer, err := signature.SignEncrypted(rawURL, r.Method, signed, map[string]string{
		"data":       form.Get("data"),
		"rc4_hash__": form.Get("rc4_hash__"),
	})
	if !assert.NoError(f.t, err) || !assert.Equal(f.t, outer, form.Get("signature"), "outer signature") {
		return "", false
	}

	data := f.open(signed, form.Get("data"))
	hash := f.open(signed, form.Get("rc4_hash__"))
	inner, err := signature.SignEncrypted(rawURL, r.Method, signed, map[string]string{"data": data})
	if !assert.NoError(f.t, err) || !assert.Equal(f.t, inner, hash, "rc4_hash__") {
		return "", false
	}
	return data, true
}

func (f *fakeCloud) cipher(signed string) streamcipher.Cipher {
	key, err := signature.FromBase64(signed)
	assert.NoError(f.t, err)
	c, err := streamcipher.NewRC4(key, streamcipher.DefaultDiscard)
	assert.NoError(f.t, err)
	return c
}

func (f *fakeCloud) open(signed, value string) string {
	plain, err := f.cipher(signed).Decode(value)
	assert.NoError(f.t, err)
	return string(plain)
}

func (f *fakeCloud) seal(signed, body string) string {
	return f.cipher(signed).Encode([]byte(body))
}
