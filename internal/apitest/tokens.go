package apitest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	errMalformedToken = errors.New("malformed token")
	errBadSignature   = errors.New("invalid token signature")
	errTokenExpired   = errors.New("token has expired")
	errWrongTokenType = errors.New("wrong token type")
	errUnknownSubject = errors.New("unknown subject")
)

type claims struct {
	Subject    string `json:"sub"`
	Type       string `json:"typ"`
	Generation uint64 `json:"gen"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
}

type hmacTokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func (h *hmacTokenIssuer) issue(subject, tokenType string, generation uint64, ttl time.Duration) (string, error) {
	now := h.now().UTC()
	headerJSON, err := json.Marshal(map[string]string{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		return "", err
	}

	payloadJSON, err := json.Marshal(claims{
		Subject:    subject,
		Type:       tokenType,
		Generation: generation,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	headerPart := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadPart := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := fmt.Sprintf("%s.%s", headerPart, payloadPart)

	return fmt.Sprintf("%s.%s", signingInput, h.sign(signingInput)), nil
}

func (h *hmacTokenIssuer) sign(input string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (h *hmacTokenIssuer) parse(token, tokenType string) (claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return claims{}, errMalformedToken
	}
	signingInput := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(h.sign(signingInput)), []byte(parts[2])) {
		return claims{}, errBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims{}, errMalformedToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return claims{}, errMalformedToken
	}
	if c.Type != tokenType {
		return claims{}, errWrongTokenType
	}
	if h.now().Unix() >= c.ExpiresAt {
		return claims{}, errTokenExpired
	}
	return c, nil
}

// accessValidator adapts the API to httptransport.TokenValidator.
type accessValidator struct {
	api *API
}

func (v accessValidator) Validate(ctx context.Context, token string) (any, error) {
	return v.api.validateAccess(token)
}
