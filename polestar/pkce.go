package polestar

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// https://datatracker.ietf.org/doc/html/rfc7636#section-4.1
const (
	PKCECharset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
	PKCEMinLength     = 43
	PKCEMaxLength     = 128
	DefaultPKCELength = 64
	PKCEMethodS256    = "S256"

	stateBytes = 32
)

// PKCEMaterial belongs to a single login attempt and is discarded once the
// authorization code has been redeemed.
type PKCEMaterial struct {
	CodeVerifier  string
	CodeChallenge string
	Method        string
	State         string
}

// GeneratePKCE creates a verifier of DefaultPKCELength characters, its S256
// challenge and a fresh anti-CSRF state value.
func GeneratePKCE() (*PKCEMaterial, error) {
	return GeneratePKCEWithLength(DefaultPKCELength)
}

// GeneratePKCEWithLength is GeneratePKCE with an explicit verifier length.
func GeneratePKCEWithLength(length int) (*PKCEMaterial, error) {
	if length < PKCEMinLength || length > PKCEMaxLength {
		return nil, fmt.Errorf(
			"code verifier length must be between %d and %d, got %d",
			PKCEMinLength,
			PKCEMaxLength,
			length,
		)
	}

	verifier, err := randomString(length, PKCECharset)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	state, err := randomHex(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	return &PKCEMaterial{
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:        PKCEMethodS256,
		State:         state,
	}, nil
}

// randomString draws length characters uniformly from charset.
// Bytes at or above the largest multiple of len(charset) are rejected so the
// modulo does not skew the distribution.
func randomString(length int, charset string) (string, error) {
	limit := 256 - (256 % len(charset))
	out := make([]byte, 0, length)
	buf := make([]byte, length)

	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
