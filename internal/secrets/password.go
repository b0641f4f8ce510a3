// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package secrets

import (
	"crypto/rand"

	"github.com/juju/errors"
)

// Character classes for generated secret material. The symbol set
// deliberately excludes the characters that break downstream
// configuration strings: '/', '@', '"', '\'', '\\', ',' and space are
// all rejected by at least one of the consumers a generated password
// ends up in (database master passwords, connection URLs, shell
// command lines).
const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!#$%^&*()-_=+.<>?~"

	passwordChars = lowerChars + upperChars + digitChars + symbolChars

	// MinPasswordLength is the smallest secret the service will
	// generate.
	MinPasswordLength = 16
)

// GeneratePassword returns a high-entropy random password of the given
// length drawn from the provider-safe character set, containing at
// least one character from each class.
func GeneratePassword(length int) (string, error) {
	if length < MinPasswordLength {
		return "", errors.NotValidf("password length %d (minimum %d)", length, MinPasswordLength)
	}
	// Class coverage is checked after generation rather than forced
	// by construction, so the character distribution stays uniform.
	// The probability of a miss is tiny at these lengths.
	for attempt := 0; attempt < 100; attempt++ {
		password, err := randomString(passwordChars, length)
		if err != nil {
			return "", errors.Trace(err)
		}
		if coversAllClasses(password) {
			return password, nil
		}
	}
	return "", errors.New("failed to generate a password covering all character classes")
}

func randomString(charset string, length int) (string, error) {
	// Rejection sampling avoids modulo bias.
	limit := byte(256 - 256%len(charset))
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Trace(err)
		}
		for _, b := range buf {
			if b >= limit {
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

func coversAllClasses(password string) bool {
	var lower, upper, digit, symbol bool
	for i := 0; i < len(password); i++ {
		switch c := password[i]; {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		default:
			symbol = true
		}
	}
	return lower && upper && digit && symbol
}
