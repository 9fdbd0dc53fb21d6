// Package canonical derives the stable identity of an article from loosely
// formatted source data: canonical URLs, fingerprints and slugs.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// FingerprintPrefix marks external ids synthesized from content.
const FingerprintPrefix = "fp:"

// trackingParams lists exact query keys stripped during canonicalization.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
}

// trackingPrefixes covers families such as utm_source, utm_medium or a bare utm.
var trackingPrefixes = []string{"utm", "_hs", "pk_"}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var (
	errEmptyURL            = errors.New("canonical url: empty input")
	errMissingSchemeOrHost = errors.New("canonical url: missing scheme or host")

	slugCleaner  = regexp.MustCompile(`[^a-zA-Z0-9\-_]+`)
	slugHyphens  = regexp.MustCompile(`-+`)
	slugHTMLTail = regexp.MustCompile(`\.html?$`)
)

// URL returns the canonical form of rawURL: lowercased scheme and host, default
// port and fragment dropped, tracking parameters stripped, remaining query keys
// sorted and trailing slashes removed.
func URL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errEmptyURL
	}
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("canonical url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errMissingSchemeOrHost
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = normalizeHost(parsed)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	parsed.RawQuery = cleanQuery(parsed.Query())
	parsed.Path = normalizePath(parsed.Path)
	parsed.RawPath = ""

	return parsed.String(), nil
}

// Resolve makes ref absolute against base. Protocol-relative and root-relative
// references are supported; anything unparsable is returned unchanged.
func Resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// Fingerprint derives a stable external id from the canonical URL and title for
// records whose source does not expose one.
func Fingerprint(canonicalURL, title string) string {
	sum := sha256.Sum256([]byte(canonicalURL + "\n" + strings.TrimSpace(title)))
	return FingerprintPrefix + hex.EncodeToString(sum[:16])
}

// IsFingerprint reports whether an external id was synthesized by Fingerprint.
func IsFingerprint(externalID string) bool {
	return strings.HasPrefix(externalID, FingerprintPrefix)
}

// ContentHash fingerprints the content-bearing fields of an article.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Slug extracts a URL-friendly slug from the path of rawURL.
func Slug(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	slug := strings.Trim(parsed.Path, "/")
	slug = slugHTMLTail.ReplaceAllString(slug, "")
	slug = slugCleaner.ReplaceAllString(slug, "-")
	slug = slugHyphens.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 500 {
		slug = slug[:500]
	}
	return slug
}

func normalizeHost(u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || defaultPorts[u.Scheme] == port {
		return hostname
	}
	return hostname + ":" + port
}

func isTracking(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func cleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if !isTracking(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	cleaned := path.Clean(p)
	cleaned = strings.TrimRight(cleaned, "/")
	return cleaned
}
