package passkey

import (
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/latchkey/latchkey/internal/platform/config"
)

// Config carries the WebAuthn relying-party settings. All fields are
// required; a passkey deployment with a guessed RP ID silently breaks every
// registered credential, so startup fails instead.
type Config struct {
	RPDisplayName string   `env:"LATCHKEY_WEBAUTHN_RP_DISPLAY_NAME,required"`
	RPID          string   `env:"LATCHKEY_WEBAUTHN_RP_ID,required"`
	RPOrigins     []string `env:"LATCHKEY_WEBAUTHN_RP_ORIGINS,required" envSeparator:","`
}

// LoadConfigFromEnv reads the relying-party settings from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewProvider builds the WebAuthn provider for the configured relying party.
func NewProvider(cfg Config) (*webauthn.WebAuthn, error) {
	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
}
