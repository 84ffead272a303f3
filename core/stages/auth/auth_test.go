package auth

import (
	"bufio"
	"encoding/base64"
	"io"
	nethttp "net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/searchktools/stagehttp/core/http"
)

// mapBackend keeps passwords in memory
type mapBackend map[string]string

func (b mapBackend) GetPassword(realm, user string) (string, bool) {
	pw, ok := b[user]
	return pw, ok
}

func (b mapBackend) Validate(realm, user, supplied, required string) bool {
	return supplied == required
}

func newService(t *testing.T, policy *http.AuthPolicy) (*http.Service, *Filter) {
	t.Helper()
	svc := http.NewService(http.WithLogger(zaptest.NewLogger(t)))
	f := New()
	svc.RegisterStage(f)
	svc.RegisterStage(http.NewHandler("whoami", 0, func(c *http.Conn) {
		c.WriteString(c.Rx().User)
	}))
	loc := http.NewLocation("/private", svc.DefaultLocation()).
		SetHandler("whoami").
		AddOutputFilter(FilterName)
	loc.Auth = policy
	svc.AddLocation(loc)
	return svc, f
}

func get(t *testing.T, svc *http.Service, uri, authorization string) (*nethttp.Response, string) {
	t.Helper()
	sock := http.NewMemSocket()
	c := svc.NewConn(sock, "test")
	raw := "GET " + uri + " HTTP/1.1\r\nHost: x\r\n"
	if authorization != "" {
		raw += "Authorization: " + authorization + "\r\n"
	}
	sock.Feed(raw + "\r\n")
	c.IOEvent(http.IORead)
	resp, err := nethttp.ReadResponse(bufio.NewReader(strings.NewReader(sock.Output())), nil)
	if err != nil {
		t.Fatalf("bad response: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func basicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func TestBasic(t *testing.T) {
	svc, _ := newService(t, &http.AuthPolicy{
		Type:    "basic",
		Realm:   "site",
		Backend: mapBackend{"joshua": "pass1", "mary": "pass2"},
		Users:   []string{"joshua"},
	})

	tests := []struct {
		name   string
		auth   string
		status int
		body   string
	}{
		{"no credentials", "", 401, ""},
		{"wrong password", basicAuth("joshua", "nope"), 401, ""},
		{"unknown user", basicAuth("eve", "pass1"), 401, ""},
		{"not in user list", basicAuth("mary", "pass2"), 403, ""},
		{"valid", basicAuth("joshua", "pass1"), 200, "joshua"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, svc, "/private/x", tt.auth)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.status == 401 {
				if ch := resp.Header.Get("WWW-Authenticate"); ch != `Basic realm="site"` {
					t.Errorf("Unexpected challenge %q", ch)
				}
			}
			if tt.body != "" && body != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, body)
			}
		})
	}

	// Outside the protected prefix no credentials are needed
	if resp, _ := get(t, svc, "/public", ""); resp.StatusCode == 401 {
		t.Error("Unprotected location demanded credentials")
	}
}

// countingHandler records how often it is opened
type countingHandler struct {
	http.BaseStage
	opens int
}

func (h *countingHandler) Open(*http.Queue) error {
	h.opens++
	return nil
}

func (h *countingHandler) Process(q *http.Queue) {
	q.Conn.WriteString("secret")
	q.Conn.Finalize()
}

func TestRejectedRequestSkipsHandler(t *testing.T) {
	svc, _ := newService(t, nil)
	h := &countingHandler{BaseStage: http.NewBaseStage("vault",
		http.StageHandler|http.StageIncoming|http.StageOutgoing)}
	svc.RegisterStage(h)
	loc := http.NewLocation("/vault", svc.DefaultLocation()).
		SetHandler("vault").
		AddOutputFilter(FilterName)
	loc.Auth = &http.AuthPolicy{
		Type:    "basic",
		Realm:   "site",
		Backend: mapBackend{"joshua": "pass1", "mary": "pass2"},
		Users:   []string{"joshua"},
	}
	svc.AddLocation(loc)

	for _, auth := range []string{"", basicAuth("joshua", "nope"), basicAuth("mary", "pass2")} {
		if resp, body := get(t, svc, "/vault", auth); resp.StatusCode < 400 || body == "secret" {
			t.Errorf("%q: expected a rejection, got %d %q", auth, resp.StatusCode, body)
		}
	}
	if h.opens != 0 {
		t.Errorf("Handler opened %d times for rejected requests", h.opens)
	}
	if resp, body := get(t, svc, "/vault", basicAuth("joshua", "pass1")); resp.StatusCode != 200 || body != "secret" {
		t.Errorf("Unexpected response %d %q", resp.StatusCode, body)
	}
	if h.opens != 1 {
		t.Errorf("Expected one open, got %d", h.opens)
	}
}

func TestBasicHashed(t *testing.T) {
	svc, _ := newService(t, &http.AuthPolicy{
		Type:            "basic",
		Realm:           "site",
		Backend:         mapBackend{"joshua": HA1("joshua", "site", "pass1")},
		HashedPasswords: true,
	})
	if resp, _ := get(t, svc, "/private", basicAuth("joshua", "pass1")); resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func challengeNonce(t *testing.T, challenge string) string {
	t.Helper()
	d := parseDigest(strings.TrimPrefix(challenge, "Digest "))
	if d["nonce"] == "" {
		t.Fatalf("No nonce in challenge %q", challenge)
	}
	return d["nonce"]
}

func digestAuth(user, realm, password, uri, nonce string) string {
	resp := DigestResponse(HA1(user, realm, password), "GET", uri, nonce, "00000001", "abcdef")
	return `Digest username="` + user + `", realm="` + realm + `", nonce="` + nonce +
		`", uri="` + uri + `", qop=auth, nc=00000001, cnonce="abcdef", response="` + resp + `"`
}

func TestDigest(t *testing.T) {
	svc, f := newService(t, &http.AuthPolicy{
		Type:          "digest",
		Realm:         "example.com",
		Backend:       mapBackend{"ralph": "pass"},
		NonceLifetime: time.Minute,
	})

	resp, _ := get(t, svc, "/private/doc", "")
	if resp.StatusCode != 401 {
		t.Fatalf("Expected 401, got %d", resp.StatusCode)
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Digest ") || !strings.Contains(challenge, `qop="auth"`) {
		t.Fatalf("Unexpected challenge %q", challenge)
	}
	nonce := challengeNonce(t, challenge)

	resp, body := get(t, svc, "/private/doc", digestAuth("ralph", "example.com", "pass", "/private/doc", nonce))
	if resp.StatusCode != 200 || body != "ralph" {
		t.Fatalf("Expected 200 ralph, got %d %q", resp.StatusCode, body)
	}

	resp, _ = get(t, svc, "/private/doc", digestAuth("ralph", "example.com", "wrong", "/private/doc", nonce))
	if resp.StatusCode != 401 {
		t.Errorf("Wrong password: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = get(t, svc, "/private/doc", digestAuth("ralph", "example.com", "pass", "/private/other", nonce))
	if resp.StatusCode != 401 {
		t.Errorf("Mismatched uri: expected 401, got %d", resp.StatusCode)
	}

	forged := base64.StdEncoding.EncodeToString([]byte("1:0123"))
	resp, _ = get(t, svc, "/private/doc", digestAuth("ralph", "example.com", "pass", "/private/doc", forged))
	if resp.StatusCode != 401 {
		t.Errorf("Forged nonce: expected 401, got %d", resp.StatusCode)
	}

	// Age the nonce past its lifetime
	f.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	resp, _ = get(t, svc, "/private/doc", digestAuth("ralph", "example.com", "pass", "/private/doc", nonce))
	if resp.StatusCode != 401 {
		t.Fatalf("Stale nonce: expected 401, got %d", resp.StatusCode)
	}
	if ch := resp.Header.Get("WWW-Authenticate"); !strings.Contains(ch, `stale="true"`) {
		t.Errorf("Expected stale challenge, got %q", ch)
	}
}

func TestParseDigest(t *testing.T) {
	d := parseDigest(`username="Mufasa", realm="a, b", nonce="x\"y", qop=auth, nc=00000001`)
	want := map[string]string{
		"username": "Mufasa",
		"realm":    "a, b",
		"nonce":    `x"y`,
		"qop":      "auth",
		"nc":       "00000001",
	}
	for k, v := range want {
		if d[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, d[k])
		}
	}
}
