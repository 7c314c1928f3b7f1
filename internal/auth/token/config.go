package token

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

type secretEnv struct {
	Secret string `env:"LATCHKEY_AUTH_TOKEN_SECRET"`
}

// LoadSecretFromEnv reads the shared signing secret. The secret is required
// and must be at least 32 bytes; startup fails otherwise.
func LoadSecretFromEnv() ([]byte, error) {
	var raw secretEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse token env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return nil, fmt.Errorf("LATCHKEY_AUTH_TOKEN_SECRET is required")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("LATCHKEY_AUTH_TOKEN_SECRET must be at least %d characters", minSecretLength)
	}
	return []byte(secret), nil
}
