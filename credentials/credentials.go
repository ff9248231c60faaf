// Package credentials builds the per-request authentication headers for signed-in
// chat polling: the SAPISIDHASH authorization value plus the session cookies.
//
// Credentials are supplied as a base64 JSON blob (CHAT_CREDENTIALS). When
// ENCRYPTION_KEY is set the blob may instead be sealed with AES-256-GCM and carry the
// "sealed:" prefix.
package credentials

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
)

// SealedPrefix marks a blob produced by Seal.
const SealedPrefix = "sealed:"

// DefaultOrigin is the origin signed into SAPISIDHASH.
const DefaultOrigin = "https://www.youtube.com"

var ErrMissingSAPISID = errors.New("credentials: SAPISID is required")

// Credentials are the browser session cookies used to sign requests.
type Credentials struct {
	SAPISID            string `json:"sapisid"`
	APISID             string `json:"apisid,omitempty"`
	HSID               string `json:"hsid,omitempty"`
	SID                string `json:"sid,omitempty"`
	SSID               string `json:"ssid,omitempty"`
	SessionIndex       string `json:"session_index,omitempty"`
	DelegatedSessionID string `json:"delegated_session_id,omitempty"`
}

// Parse decodes a plain base64 JSON blob.
func Parse(blob string) (*Credentials, error) {
	blob = strings.TrimSpace(blob)
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(blob, "=")); err != nil {
			return nil, fmt.Errorf("credentials: base64 decode failed: %w", err)
		}
	}
	return decode(raw)
}

// Load decodes blob, opening it with sealer when it carries SealedPrefix.
func Load(blob string, sealer *Sealer) (*Credentials, error) {
	if !strings.HasPrefix(blob, SealedPrefix) {
		return Parse(blob)
	}
	if sealer == nil {
		return nil, errors.New("credentials: sealed blob but no encryption key configured")
	}
	raw, err := sealer.Open(strings.TrimPrefix(blob, SealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return decode(raw)
}

func decode(raw []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("credentials: invalid json: %w", err)
	}
	if c.SAPISID == "" {
		return nil, ErrMissingSAPISID
	}
	return &c, nil
}

// Encode returns the plain blob form accepted by Parse.
func (c *Credentials) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Seal returns the sealed blob form accepted by Load.
func (c *Credentials) Seal(s *Sealer) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sealed, err := s.Seal(raw)
	if err != nil {
		return "", err
	}
	return SealedPrefix + sealed, nil
}

// SAPISIDHash computes "<unix>_<sha1hex(unix SAPISID origin)>".
func SAPISIDHash(sapisid, origin string, now time.Time) string {
	ts := now.Unix()
	sum := sha1.Sum([]byte(fmt.Sprintf("%d %s %s", ts, sapisid, origin)))
	return fmt.Sprintf("%d_%s", ts, hex.EncodeToString(sum[:]))
}

// Cookie renders the Cookie header value; empty cookies are omitted.
func (c *Credentials) Cookie() string {
	pairs := []struct{ k, v string }{
		{"SID", c.SID}, {"HSID", c.HSID}, {"SSID", c.SSID}, {"APISID", c.APISID}, {"SAPISID", c.SAPISID},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.v != "" {
			parts = append(parts, p.k+"="+p.v)
		}
	}
	return strings.Join(parts, "; ")
}

// Header returns the authentication headers for one request signed at now.
func (c *Credentials) Header(origin string, now time.Time) http.Header {
	if origin == "" {
		origin = DefaultOrigin
	}
	h := http.Header{}
	h.Set("Authorization", "SAPISIDHASH "+SAPISIDHash(c.SAPISID, origin, now))
	h.Set("Cookie", c.Cookie())
	h.Set("Origin", origin)
	idx := c.SessionIndex
	if idx == "" {
		idx = "0"
	}
	h.Set("X-Goog-AuthUser", idx)
	if c.DelegatedSessionID != "" {
		h.Set("X-Goog-PageId", c.DelegatedSessionID)
	}
	return h
}

// HeaderFunc returns a function producing freshly signed headers on every call.
func (c *Credentials) HeaderFunc(origin string, clk clock.Clock) func() http.Header {
	if clk == nil {
		clk = clock.WallClock
	}
	return func() http.Header { return c.Header(origin, clk.Now()) }
}
