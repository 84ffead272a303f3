// Package auth implements Basic and Digest authentication for locations
// carrying an http.AuthPolicy. Credentials are checked against the
// policy's Backend; the filter holds no user database of its own.
package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/stagehttp/core/http"
)

// FilterName is the registered stage name
const FilterName = "authFilter"

// DefaultNonceLifetime applies when the policy sets none
const DefaultNonceLifetime = 5 * time.Minute

// Filter enforces a location's AuthPolicy. The decision is made while the
// pipeline is matched, before any handler is opened, so the filter never
// occupies a queue.
type Filter struct {
	http.BaseStage
	now func() time.Time
}

// New creates the auth filter
func New() *Filter {
	return &Filter{
		BaseStage: http.NewBaseStage(FilterName, http.StageFilter|http.StageOutgoing),
		now:       time.Now,
	}
}

func (f *Filter) Match(c *http.Conn, dir http.Direction) bool {
	if dir != http.QueueTx || c.IsClient() || c.Failed() {
		return false
	}
	loc := c.Location()
	if loc == nil || loc.Auth == nil || loc.Auth.Backend == nil {
		return false
	}
	f.check(c, loc.Auth)
	return false
}

func (f *Filter) check(c *http.Conn, p *http.AuthPolicy) {
	rx := c.Rx()
	var user string
	var ok, stale bool
	switch strings.ToLower(p.Type) {
	case "digest":
		user, ok, stale = f.digest(c, p)
	default:
		user, ok = f.basic(c, p)
	}
	if !ok {
		c.Log().Debug("authentication failed", zap.String("user", user), zap.String("realm", p.Realm))
		c.SetHeader(http.HeaderAuthenticate, f.challenge(c, p, stale))
		c.Error(http.StatusUnauthorized, "Access denied")
		return
	}
	if !p.Allows(user) {
		c.Error(http.StatusForbidden, "Access denied for %s", user)
		return
	}
	rx.User = user
}

func (f *Filter) basic(c *http.Conn, p *http.AuthPolicy) (string, bool) {
	rx := c.Rx()
	if rx.AuthType != "basic" {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(rx.AuthDetails)
	if err != nil {
		return "", false
	}
	user, password, found := strings.Cut(string(raw), ":")
	if !found || user == "" {
		return user, false
	}
	required, ok := p.Backend.GetPassword(p.Realm, user)
	if !ok {
		return user, false
	}
	supplied := password
	if p.HashedPasswords {
		supplied = HA1(user, p.Realm, password)
	}
	return user, p.Backend.Validate(p.Realm, user, supplied, required)
}

func (f *Filter) digest(c *http.Conn, p *http.AuthPolicy) (user string, ok, stale bool) {
	rx := c.Rx()
	if rx.AuthType != "digest" {
		return "", false, false
	}
	d := parseDigest(rx.AuthDetails)
	user = d["username"]
	if user == "" || d["realm"] != p.Realm || d["response"] == "" {
		return user, false, false
	}
	if d["uri"] != rx.URI {
		return user, false, false
	}
	if valid, expired := f.checkNonce(c, p, d["nonce"]); !valid {
		return user, false, false
	} else if expired {
		return user, false, true
	}
	password, found := p.Backend.GetPassword(p.Realm, user)
	if !found {
		return user, false, false
	}
	ha1 := password
	if !p.HashedPasswords {
		ha1 = HA1(user, p.Realm, password)
	}

	var expected string
	switch d["qop"] {
	case "auth":
		expected = DigestResponse(ha1, rx.Method, d["uri"], d["nonce"], d["nc"], d["cnonce"])
	case "":
		// RFC 2069 compatibility
		expected = md5Hex(ha1 + ":" + d["nonce"] + ":" + md5Hex(rx.Method+":"+d["uri"]))
	default:
		return user, false, false
	}
	return user, p.Backend.Validate(p.Realm, user, d["response"], expected), false
}

func (f *Filter) challenge(c *http.Conn, p *http.AuthPolicy, stale bool) string {
	if strings.ToLower(p.Type) != "digest" {
		return fmt.Sprintf("Basic realm=\"%s\"", p.Realm)
	}
	s := fmt.Sprintf("Digest realm=\"%s\", domain=\"%s\", qop=\"auth\", nonce=\"%s\", algorithm=\"MD5\"",
		p.Realm, c.Location().Prefix, f.nonce(c, p.Realm, f.now()))
	if stale {
		s += ", stale=\"true\""
	}
	return s
}

// nonce encodes the issue time and a keyed digest of it
func (f *Filter) nonce(c *http.Conn, realm string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 16)
	sum := md5Hex(string(c.Service().Secret()) + ":" + realm + ":" + ts)
	return base64.StdEncoding.EncodeToString([]byte(ts + ":" + sum))
}

// checkNonce reports whether nonce was issued by this service and whether
// it has outlived the policy's nonce lifetime.
func (f *Filter) checkNonce(c *http.Conn, p *http.AuthPolicy, nonce string) (valid, expired bool) {
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return false, false
	}
	ts, _, found := strings.Cut(string(raw), ":")
	if !found {
		return false, false
	}
	secs, err := strconv.ParseInt(ts, 16, 64)
	if err != nil {
		return false, false
	}
	issued := time.Unix(secs, 0)
	if subtle.ConstantTimeCompare([]byte(f.nonce(c, p.Realm, issued)), []byte(nonce)) != 1 {
		return false, false
	}
	lifetime := p.NonceLifetime
	if lifetime <= 0 {
		lifetime = DefaultNonceLifetime
	}
	return true, f.now().Sub(issued) > lifetime
}

// parseDigest splits the comma-separated key=value list of a Digest
// Authorization header. Values may be quoted.
func parseDigest(s string) map[string]string {
	out := make(map[string]string, 8)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,\t")
		key, rest, found := strings.Cut(s, "=")
		if !found {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		rest = strings.TrimLeft(rest, " \t")
		var value string
		if strings.HasPrefix(rest, "\"") {
			end := 1
			for end < len(rest) && rest[end] != '"' {
				if rest[end] == '\\' {
					end++
				}
				end++
			}
			value = strings.ReplaceAll(rest[1:min(end, len(rest))], "\\", "")
			s = rest[min(end+1, len(rest)):]
		} else {
			value, s, _ = strings.Cut(rest, ",")
			value = strings.TrimSpace(value)
		}
		out[key] = value
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DigestResponse computes the qop=auth response a client sends for the
// given credentials. ha1 is MD5(user:realm:password).
func DigestResponse(ha1, method, uri, nonce, nc, cnonce string) string {
	return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + md5Hex(method+":"+uri))
}

// HA1 returns MD5(user:realm:password), the form stored by backends that
// keep hashed passwords.
func HA1(user, realm, password string) string {
	return md5Hex(user + ":" + realm + ":" + password)
}
