// Package talercrypto holds the small amount of Taler cryptography the
// harness needs to configure services: Crockford base32 and EdDSA master keys.
package talercrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
)

// crockAlphabet is Crockford's base32 alphabet as used by Taler.
const crockAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var crockEncoding = base32.NewEncoding(crockAlphabet).WithPadding(base32.NoPadding)

// crockNormalizer maps the ambiguous characters Crockford allows on input.
var crockNormalizer = strings.NewReplacer(
	"O", "0",
	"I", "1",
	"L", "1",
	"U", "V",
)

// EncodeCrock encodes data in Taler's Crockford base32, without padding.
func EncodeCrock(data []byte) string {
	return crockEncoding.EncodeToString(data)
}

// DecodeCrock decodes Crockford base32. Lower case and the look-alike
// characters O, I, L and U are accepted.
func DecodeCrock(s string) ([]byte, error) {
	norm := crockNormalizer.Replace(strings.ToUpper(s))
	out, err := crockEncoding.DecodeString(norm)
	if err != nil {
		return nil, fmt.Errorf("decode crockford base32: %w", err)
	}
	return out, nil
}

// EddsaKeyPair is an Ed25519 key pair.
type EddsaKeyPair struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// NewEddsaKeyPair generates a fresh key pair.
func NewEddsaKeyPair() (EddsaKeyPair, error) {
	return newEddsaKeyPair(rand.Reader)
}

func newEddsaKeyPair(r io.Reader) (EddsaKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return EddsaKeyPair{}, fmt.Errorf("generate eddsa key: %w", err)
	}
	return EddsaKeyPair{Priv: priv, Pub: pub}, nil
}

// EddsaKeyPairFromSeed derives the key pair for a 32-byte private key seed.
func EddsaKeyPairFromSeed(seed []byte) (EddsaKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return EddsaKeyPair{}, fmt.Errorf("eddsa seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return EddsaKeyPair{Priv: priv, Pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Seed returns the 32-byte private key seed, the form Taler stores on disk.
func (k EddsaKeyPair) Seed() []byte {
	return k.Priv.Seed()
}

// PubCrock returns the public key in Crockford base32.
func (k EddsaKeyPair) PubCrock() string {
	return EncodeCrock(k.Pub)
}
