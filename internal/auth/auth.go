// Package auth gates the websocket listener and signs the short-lived
// tokens the HTTP side channel accepts.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openspeaker/gateway/internal/config"
)

// Authenticator checks device connections against the static token
// table and device whitelist.
type Authenticator struct {
	enabled        bool
	tokens         map[string]string // token -> name
	allowedDevices map[string]bool
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{
		enabled:        cfg.Enabled,
		tokens:         make(map[string]string),
		allowedDevices: make(map[string]bool),
	}
	for _, t := range cfg.Tokens {
		a.tokens[t.Token] = t.Name
	}
	for _, d := range cfg.AllowedDevices {
		a.allowedDevices[strings.ToLower(d)] = true
	}
	return a
}

// Authorize checks one upgrade request. Whitelisted devices pass
// without a token; everyone else needs a known bearer token.
func (a *Authenticator) Authorize(r *http.Request, deviceID string) error {
	if !a.enabled {
		return nil
	}
	if a.allowedDevices[strings.ToLower(deviceID)] {
		return nil
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("missing bearer token")
	}
	name, known := a.tokens[token]
	if !known {
		return fmt.Errorf("unknown token")
	}

	slog.Debug("auth: token accepted", "device_id", deviceID, "token_name", name)
	return nil
}

// ResolveAuthKey returns the JWT signing key: the manager secret when
// configured, otherwise a random one (vision tokens then only verify
// within this process lifetime).
func ResolveAuthKey(cfg *config.Config) string {
	if cfg.Server.AuthKey != "" {
		return cfg.Server.AuthKey
	}
	if cfg.ManagerAPI.Secret != "" {
		return cfg.ManagerAPI.Secret
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: generate random key: %v", err))
	}
	key := hex.EncodeToString(buf)
	slog.Warn("auth: no auth_key configured, using a random key; vision tokens will not survive restarts")
	return key
}

type visionClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// VisionTokenTTL bounds how long a device can use one vision token.
const VisionTokenTTL = 24 * time.Hour

// SignVisionToken issues the HMAC-SHA256 JWT a device presents when
// uploading camera captures.
func SignVisionToken(key, deviceID string) (string, error) {
	claims := visionClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(VisionTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		return "", fmt.Errorf("sign vision token: %w", err)
	}
	return signed, nil
}

// VerifyVisionToken validates a vision JWT and returns the device it
// was issued to.
func VerifyVisionToken(key, tokenString string) (string, error) {
	var claims visionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse vision token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid vision token")
	}
	if claims.DeviceID == "" {
		return "", fmt.Errorf("vision token missing device id")
	}
	return claims.DeviceID, nil
}
