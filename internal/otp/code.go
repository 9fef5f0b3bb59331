package otp

import (
	"crypto/rand"
	"errors"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const numChars = "0123456789"

var ten = big.NewInt(int64(len(numChars)))

// GenerateCode generates a cryptographically random numeric code of
// length n. Every digit is drawn uniformly.
func GenerateCode(n int) (string, error) {
	if n < 1 {
		return "", errors.New("code length should be at least 1")
	}

	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b[i] = numChars[v.Int64()]
	}
	return string(b), nil
}

// Hasher one-way hashes codes for storage.
type Hasher struct {
	cost int
}

// NewHasher returns a bcrypt Hasher. Costs outside bcrypt's range fall
// back to bcrypt.DefaultCost.
func NewHasher(cost int) Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return Hasher{cost: cost}
}

// Hash hashes a code.
func (h Hasher) Hash(code string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare reports whether code matches hash.
func (h Hasher) Compare(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
