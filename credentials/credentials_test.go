package credentials

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestSAPISIDHash(t *testing.T) {
	now := time.Unix(1700000000, 0)
	got := SAPISIDHash("abc/def", "https://www.youtube.com", now)

	sum := sha1.Sum([]byte("1700000000 abc/def https://www.youtube.com"))
	want := "1700000000_" + hex.EncodeToString(sum[:])
	if got != want {
		t.Errorf("SAPISIDHash() = %q, want %q", got, want)
	}
}

func TestHeader(t *testing.T) {
	c := &Credentials{SAPISID: "sap", HSID: "h", SID: "s", DelegatedSessionID: "page"}
	h := c.Header("", time.Unix(100, 0))

	if auth := h.Get("Authorization"); !strings.HasPrefix(auth, "SAPISIDHASH 100_") {
		t.Errorf("Authorization = %q", auth)
	}
	if got := h.Get("Cookie"); got != "SID=s; HSID=h; SAPISID=sap" {
		t.Errorf("Cookie = %q", got)
	}
	if got := h.Get("Origin"); got != DefaultOrigin {
		t.Errorf("Origin = %q", got)
	}
	if got := h.Get("X-Goog-AuthUser"); got != "0" {
		t.Errorf("X-Goog-AuthUser = %q, want 0", got)
	}
	if got := h.Get("X-Goog-PageId"); got != "page" {
		t.Errorf("X-Goog-PageId = %q", got)
	}
}

func TestHeaderFuncSignsWithCurrentTime(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	fn := (&Credentials{SAPISID: "sap"}).HeaderFunc("", clk)

	first := fn().Get("Authorization")
	clk.Advance(5 * time.Second)
	second := fn().Get("Authorization")
	if first == second {
		t.Error("expected a new signature after the clock moved")
	}
	if !strings.HasPrefix(second, "SAPISIDHASH 1005_") {
		t.Errorf("Authorization = %q", second)
	}
}

func TestParseRoundTrip(t *testing.T) {
	in := &Credentials{SAPISID: "sap", APISID: "api", SessionIndex: "1"}
	blob, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if *out != *in {
		t.Errorf("Parse() = %+v, want %+v", out, in)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not base64", "%%%"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("nope"))},
		{"missing sapisid", base64.StdEncoding.EncodeToString([]byte(`{"hsid":"h"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.blob); err == nil {
				t.Error("Parse() expected error")
			}
		})
	}
	_, err := Parse(base64.StdEncoding.EncodeToString([]byte(`{}`)))
	if !errors.Is(err, ErrMissingSAPISID) {
		t.Errorf("Parse({}) error = %v, want ErrMissingSAPISID", err)
	}
}

func TestSealedLoad(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	in := &Credentials{SAPISID: "secret"}
	blob, err := in.Seal(s)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(blob, SealedPrefix) || strings.Contains(blob, "secret") {
		t.Fatalf("sealed blob leaks plaintext or lacks prefix: %q", blob)
	}

	out, err := Load(blob, s)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if out.SAPISID != "secret" {
		t.Errorf("SAPISID = %q", out.SAPISID)
	}

	if _, err := Load(blob, nil); err == nil {
		t.Error("Load() without sealer should fail")
	}
	other, _ := NewSealer(testKey(t))
	if _, err := Load(blob, other); err == nil {
		t.Error("Load() with wrong key should fail")
	}
}

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSealer(tt.key)
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("NewSealer() error = %v, want error containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestSealOpenTampered(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	sealed, err := s.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	plain, err := s.Open(sealed)
	if err != nil || !bytes.Equal(plain, []byte("payload")) {
		t.Fatalf("Open() = %q, %v", plain, err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := s.Open(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("Open() accepted tampered ciphertext")
	}
	if _, err := s.Open(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("Open() accepted short ciphertext")
	}
	if _, err := s.Seal(nil); err == nil {
		t.Error("Seal() accepted empty plaintext")
	}
}
