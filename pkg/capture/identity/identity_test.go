package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameResolver_NormalizesWhitespaceAndCase(t *testing.T) {
	r := NewNameResolver()

	k1, d1 := r.Resolve("  Alice   Chen ", "")
	k2, d2 := r.Resolve("alice chen", "")

	assert.Equal(t, k1, k2, "case-folded keys match")
	assert.Equal(t, "Alice Chen", d1)
	assert.Equal(t, "alice chen", d2, "display keeps the observed form")
}

func TestNameResolver_UnicodeNormalization(t *testing.T) {
	r := NewNameResolver()

	// "José" composed vs decomposed.
	k1, _ := r.Resolve("José", "")
	k2, _ := r.Resolve("José", "")

	assert.Equal(t, k1, k2)
}

func TestNameResolver_EmptyNameYieldsNoIdentity(t *testing.T) {
	r := NewNameResolver()
	k, d := r.Resolve("   ", "")
	assert.Empty(t, k)
	assert.Empty(t, d)
}

func TestAvatarResolver_NameWinsOverAvatar(t *testing.T) {
	r := NewAvatarResolver()
	k, d := r.Resolve("Bob", "https://cdn.example/av/1.png")
	assert.Equal(t, "bob", k)
	assert.Equal(t, "Bob", d)
}

func TestAvatarResolver_HashFallbackIsStable(t *testing.T) {
	r := NewAvatarResolver()

	k1, d1 := r.Resolve("", "https://cdn.example/av/1.png")
	k2, d2 := r.Resolve("", "https://cdn.example/av/1.png")
	k3, _ := r.Resolve("", "https://cdn.example/av/2.png")

	assert.Equal(t, k1, k2)
	assert.Equal(t, d1, d2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "avatar:")
	assert.Contains(t, d1, "Speaker ")
}

func TestAvatarResolver_NothingToResolve(t *testing.T) {
	r := NewAvatarResolver()
	k, _ := r.Resolve("", "")
	assert.Empty(t, k)
}
