package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const maxSlugLen = 48

var (
	schemeRE  = regexp.MustCompile(`^\w+://`)
	nonWordRE = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL canonicalises a subscription URL. Every device must derive the
// same form, since follow ids are computed from it.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !schemeRE.MatchString(raw) {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPorts[u.Scheme] {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

// FollowID derives the stable follow id for a URL: a readable slug plus a
// 9-character "-xxxxxxxx" hash suffix.
func FollowID(raw string) string {
	norm, err := NormalizeURL(raw)
	if err != nil {
		norm = strings.TrimSpace(raw)
	}
	body := schemeRE.ReplaceAllString(norm, "")
	sum := sha256.Sum256([]byte(body))
	slug := strings.Trim(nonWordRE.ReplaceAllString(body, "_"), "_")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
	}
	return slug + "-" + hex.EncodeToString(sum[:])[:8]
}

// IDLabel strips the hash suffix from a follow id.
func IDLabel(id string) string {
	if len(id) <= 9 {
		return id
	}
	return id[:len(id)-9]
}

// EnsureScheme prefixes scheme-less URLs with http://.
func EnsureScheme(raw string) string {
	if schemeRE.MatchString(raw) {
		return raw
	}
	return "http://" + raw
}
