package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// Type decides how a secret value is generated on rotation.
type Type string

const (
	TypeSigningKey Type = "signing_key"
	TypeToken      Type = "token"
	TypePassword   Type = "password"
	TypeHexKey     Type = "hex_key"
)

// ErrUnknownType is returned for a secret type without a generator.
var ErrUnknownType = errors.New("secrets: unknown secret type")

// Valid reports whether t has a generator.
func (t Type) Valid() bool {
	switch t {
	case TypeSigningKey, TypeToken, TypePassword, TypeHexKey:
		return true
	}
	return false
}

const (
	passwordLength = 24

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*()-_=+[]{}:,.?"
)

// Generate returns a new random value for typ.
func Generate(typ Type) (string, error) {
	switch typ {
	case TypeSigningKey:
		return randomBase64(64)
	case TypeToken:
		return randomBase64(32)
	case TypeHexKey:
		b, err := randomBytes(32)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	case TypePassword:
		return randomPassword(passwordLength)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random generation failed: %w", err)
	}
	return b, nil
}

func randomBase64(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// randomPassword draws one character from every class, fills the rest from
// the union and shuffles.
func randomPassword(length int) (string, error) {
	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	all := lowerChars + upperChars + digitChars + symbolChars

	out := make([]byte, length)
	for i := range out {
		set := all
		if i < len(classes) {
			set = classes[i]
		}
		idx, err := randomIndex(len(set))
		if err != nil {
			return "", err
		}
		out[i] = set[idx]
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random generation failed: %w", err)
	}
	return int(v.Int64()), nil
}
