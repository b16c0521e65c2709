// Package identity resolves speaker identity from the caption DOM. Visible
// names get unicode normalization so rerenders of the same name compare
// equal; avatar-only UIs get a content-stable identifier derived from the
// avatar image URL.
package identity

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Resolver turns a raw DOM extraction into a stable speaker key plus the
// display name to store. Which resolver applies is a property of the platform
// adapter.
type Resolver interface {
	// Resolve returns (key, display). An empty key means identity could not
	// be established and the extraction must be discarded.
	Resolve(rawName, avatarURL string) (key, display string)
}

// NameResolver keys speakers on their NFC-normalized, case-folded visible
// name. The display form is the trimmed name as first seen.
type NameResolver struct {
	folder cases.Caser
}

// NewNameResolver creates a NameResolver.
func NewNameResolver() *NameResolver {
	return &NameResolver{folder: cases.Fold()}
}

// Resolve implements Resolver.
func (r *NameResolver) Resolve(rawName, _ string) (string, string) {
	display := strings.Join(strings.Fields(rawName), " ")
	if display == "" {
		return "", ""
	}
	key := r.folder.String(norm.NFC.String(display))
	return key, display
}

// AvatarResolver keys speakers on a hash of their avatar image URL, for UIs
// that render only an avatar next to captions. Two speakers sharing an
// avatar URL collapse into one; that collision is a known, accepted
// limitation of avatar-derived identity, not an error.
type AvatarResolver struct {
	name *NameResolver
}

// NewAvatarResolver creates an AvatarResolver.
func NewAvatarResolver() *AvatarResolver {
	return &AvatarResolver{name: NewNameResolver()}
}

// Resolve implements Resolver. A visible name, when present, wins over the
// avatar; the hash is the fallback for anonymous rendering. The display form
// for hash-derived identities is a short stable label.
func (r *AvatarResolver) Resolve(rawName, avatarURL string) (string, string) {
	if key, display := r.name.Resolve(rawName, ""); key != "" {
		return key, display
	}
	url := strings.TrimSpace(avatarURL)
	if url == "" {
		return "", ""
	}
	sum := xxhash.Sum64String(url)
	label := fmt.Sprintf("Speaker %04x", sum&0xffff)
	return fmt.Sprintf("avatar:%016x", sum), label
}
