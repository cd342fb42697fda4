// Package token issues and verifies the signed session tokens that bind a
// request to a node code. Verification is stateless: nothing is stored
// server-side, and revocation happens only through expiry or re-login.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenMissing   = errors.New("token missing")
	ErrTokenMalformed = errors.New("token malformed")
	ErrInvalidAlg     = errors.New("invalid algorithm")
	ErrInvalidSig     = errors.New("invalid signature")
	ErrTokenExpired   = errors.New("token expired")
)

// Claims is the JWT payload. Subject carries the node code.
type Claims struct {
	Iss string `json:"iss,omitempty"`
	Sub string `json:"sub"`
	Jti string `json:"jti"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// algs is the allow-list of signing algorithms; "alg=none" and anything
// outside this set is rejected outright.
var algs = map[string]func() hash.Hash{
	"HS256": sha256.New,
	"HS384": sha512.New384,
	"HS512": sha512.New,
}

const issuer = "stardust"

// Issue produces a signed token whose subject is the node code. tokenSecret
// is the configured "algorithm:secret" pair; expire is the token lifetime.
func Issue(nodeCode, tokenSecret string, expire time.Duration) (string, error) {
	alg, secret, err := splitSecret(tokenSecret)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		Iss: issuer,
		Sub: nodeCode,
		Jti: uuid.NewString(),
		Iat: now.Unix(),
		Exp: now.Add(expire).Unix(),
	}

	hJSON, err := json.Marshal(header{Alg: alg, Typ: "JWT"})
	if err != nil {
		return "", err
	}
	cJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	payload := base64.RawURLEncoding.EncodeToString(hJSON) + "." +
		base64.RawURLEncoding.EncodeToString(cJSON)

	mac := hmac.New(algs[alg], []byte(secret))
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payload + "." + sig, nil
}

// Decode verifies a token and returns its claims. An empty token yields
// ErrTokenMissing; signature or expiry failure yields ErrInvalidSig,
// ErrTokenMalformed, or ErrTokenExpired. Decoding never touches node state —
// resolving the subject to a node record is the caller's job, and an unknown
// code there is a not-found, not a token error.
func Decode(tok, tokenSecret string) (*Claims, error) {
	if tok == "" {
		return nil, ErrTokenMissing
	}

	alg, secret, err := splitSecret(tokenSecret)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	// Signature first, before trusting anything in the payload.
	mac := hmac.New(algs[alg], []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)

	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(expected, actual) {
		return nil, ErrInvalidSig
	}

	hJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var h header
	if err := json.Unmarshal(hJSON, &h); err != nil {
		return nil, ErrTokenMalformed
	}
	if h.Alg != alg {
		return nil, ErrInvalidAlg
	}

	cJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if err := json.Unmarshal(cJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	if claims.Exp != 0 && time.Now().Unix() > claims.Exp {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}

func splitSecret(tokenSecret string) (alg, secret string, err error) {
	alg, secret, ok := strings.Cut(tokenSecret, ":")
	if !ok || secret == "" {
		return "", "", fmt.Errorf("token secret must be \"algorithm:secret\"")
	}
	if _, known := algs[alg]; !known {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidAlg, alg)
	}
	return alg, secret, nil
}
