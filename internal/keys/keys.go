// Package keys produces and verifies storefront API key material.
//
// A key looks like sf_live_<48 base62 chars>. The first PrefixLength
// characters form the non-secret lookup prefix; only the SHA-256 digest of
// the whole key is persisted.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/keygate/keygate/internal/model"
)

const (
	LivePrefix = "sf_live_"
	TestPrefix = "sf_test_"

	// RandomLength is the number of random base62 characters after the
	// environment literal.
	RandomLength = 48
	// Length is the total length of a generated key.
	Length = len(LivePrefix) + RandomLength
	// PrefixLength is the environment literal plus 8 random characters.
	PrefixLength = len(LivePrefix) + 8
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ErrUnknownEnvironment is returned for an environment without a literal.
var ErrUnknownEnvironment = errors.New("unknown key environment")

// Material is a freshly generated key. Secret is shown to the owner once and
// must never be persisted.
type Material struct {
	Secret string
	Prefix string
	Hash   string
}

// Generate creates key material for env using crypto/rand.
func Generate(env model.Environment) (*Material, error) {
	return generate(rand.Reader, env)
}

func generate(r io.Reader, env model.Environment) (*Material, error) {
	lit, err := literalFor(env)
	if err != nil {
		return nil, err
	}

	body, err := randomString(r, RandomLength)
	if err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	secret := lit + body
	return &Material{
		Secret: secret,
		Prefix: PrefixOf(secret),
		Hash:   Hash(secret),
	}, nil
}

// randomString draws n characters uniformly from alphabet. Bytes >= 248 are
// rejected so that every character has the same probability.
func randomString(r io.Reader, n int) (string, error) {
	const maxByte = 256 - (256 % len(alphabet))

	var sb strings.Builder
	sb.Grow(n)
	buf := make([]byte, n+n/4)
	for sb.Len() < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			sb.WriteByte(alphabet[int(b)%len(alphabet)])
			if sb.Len() == n {
				break
			}
		}
	}
	return sb.String(), nil
}

func literalFor(env model.Environment) (string, error) {
	switch env {
	case model.EnvironmentLive:
		return LivePrefix, nil
	case model.EnvironmentTest:
		return TestPrefix, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
}

// PrefixOf returns the lookup prefix of a key. Keys shorter than
// PrefixLength are returned unchanged; they will never match a stored prefix.
func PrefixOf(secret string) string {
	if len(secret) < PrefixLength {
		return secret
	}
	return secret[:PrefixLength]
}

// EnvironmentOf reports which environment literal secret starts with.
func EnvironmentOf(secret string) (model.Environment, bool) {
	switch {
	case strings.HasPrefix(secret, LivePrefix):
		return model.EnvironmentLive, true
	case strings.HasPrefix(secret, TestPrefix):
		return model.EnvironmentTest, true
	default:
		return "", false
	}
}

// Hash returns the hex-encoded SHA-256 digest of a raw key.
func Hash(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// Verify compares a candidate digest with a stored one in constant time.
// When the lengths differ the candidate is compared against itself so the
// call costs the same as a full comparison, then false is returned.
func Verify(candidate, stored string) bool {
	a, b := []byte(candidate), []byte(stored)
	if len(a) != len(b) {
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
