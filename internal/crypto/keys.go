// Package crypto derives the bus authentication key from an operator-
// supplied cluster secret. Ported from the teacher's value-encryption
// helper of the same name; the AES-GCM encrypt/decrypt half of that
// package had no role in a coordination core that never touches stored
// values (see DESIGN.md), so only key derivation survives here.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize  = 32 // HMAC-SHA256 key size
	SaltSize = 16
)

// DeriveKey stretches an operator-supplied secret into a fixed-size
// signing key via PBKDF2-HMAC-SHA256, rather than HMAC-ing bus frames
// with the raw secret directly.
func DeriveKey(secret []byte, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, 100000, KeySize, sha256.New)
}

// GenerateSalt produces a fresh random salt, persisted once per cluster
// alongside the config file (internal/clusterconfig) so every node
// derives the same signing key from the same shared secret.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
