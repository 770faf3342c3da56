// Package media defines the value objects used to describe and deduplicate
// product images across gallery and variant-hero usages. Identity is always
// the normalized URL key; the remote catalog's asset identifier is reassigned
// on every re-upload and must never be used for equality or set membership.
package media

import (
	"net/url"
	"strings"
)

// Descriptor represents one image usable in a product gallery or as a
// variant hero.
//
// SourceURL is the origin-of-truth URL from the merchant's storefront upload.
// PermanentURL is an immutable backup copy and may be empty. RemoteID is the
// identifier the remote catalog currently assigns to the asset; it is a
// mutable cache, not an identity.
type Descriptor struct {
	SourceURL    string   `json:"source_url"`
	PermanentURL string   `json:"permanent_url,omitempty"`
	RemoteID     string   `json:"remote_id,omitempty"`
	Position     int      `json:"position"`
	AltText      string   `json:"alt_text,omitempty"`
	Gallery      bool     `json:"gallery"`
	HeroVariants []string `json:"hero_variants,omitempty"`
}

// DescriptorList is a JSON-serialized media set stored on a rotation slot.
type DescriptorList []Descriptor

// IdentityURL returns the URL that defines the descriptor's identity:
// the permanent copy when present, the source URL otherwise.
func (d Descriptor) IdentityURL() string {
	if strings.TrimSpace(d.PermanentURL) != "" {
		return d.PermanentURL
	}
	return d.SourceURL
}

// Key returns the descriptor's stable identity key. See NormalizeKey.
func (d Descriptor) Key() string {
	return NormalizeKey(d.IdentityURL())
}

// NormalizeKey canonicalizes a media URL for identity comparison:
// scheme and host are lower-cased, the query string and fragment are
// stripped, and trailing slashes are removed. Unparseable input falls back
// to a trimmed, lower-cased string so lookups stay deterministic.
func NormalizeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
