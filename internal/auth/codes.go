package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// codeAlphabet avoids ambiguous characters (0/O, 1/I) so codes survive
// being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// JoinCodeLength is the length of session attach codes.
const JoinCodeLength = 6

// GenerateJoinCode mints a short attach code and its bcrypt hash.
// The plain code goes to the host and the session directory; only the
// hash is stored.
func GenerateJoinCode() (plain string, hash string, err error) {
	buf := make([]byte, JoinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate join code: %w", err)
	}
	code := make([]byte, JoinCodeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	plain = string(code)

	// bcrypt keeps offline brute force of the short code expensive.
	hashed, err := bcrypt.GenerateFromPassword(code, bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash join code: %w", err)
	}
	return plain, string(hashed), nil
}

// VerifyJoinCode checks a presented code against the stored hash.
func VerifyJoinCode(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Fingerprint returns a short stable digest of a bearer token, safe for
// logs and audit payloads. Token contents themselves are never logged.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
