package util

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Common timeout durations
const (
	DefaultRequestTimeout = 30 * time.Second
	LongPollTimeout       = 40 * time.Second
	UDPPullTimeout        = 3 * time.Second
)

const maxLogValueLen = 1000

// NormalizeURL trims whitespace, prepends https:// when no scheme is given
// and strips any trailing slashes so paths can be appended directly.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("URL has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// HostOf returns the hostname part of a normalized URL.
func HostOf(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Env returns the value of the environment variable name, or fallback when
// it is unset or blank.
func Env(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// EnvInt is Env for integer variables. Unparseable values fall back too.
func EnvInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

var credentialRe = regexp.MustCompile(`(?i)(password|token|secret|apikey|api_key|authorization|bearer)(\s*[:=]\s*)\S+`)

// Sanitize makes a user- or wire-supplied value safe for log output:
// newlines are stripped, credential-looking assignments are redacted and the
// result is truncated to 1000 characters.
func Sanitize(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	s = credentialRe.ReplaceAllString(s, "$1$2[REDACTED]")
	if len(s) > maxLogValueLen {
		cut := maxLogValueLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// WriteJSONFileAtomic writes a JSON object to path via a temp file and
// rename, creating parent directories if needed. Readers never observe a
// partially written file.
func WriteJSONFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
