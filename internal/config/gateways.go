package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig is the per-processor settings block.
type GatewayConfig struct {
	ID           string            `mapstructure:"id"`
	Enabled      bool              `mapstructure:"enabled"`
	Sandbox      bool              `mapstructure:"sandbox"`
	Credentials  map[string]string `mapstructure:"credentials"`
	Capabilities []string          `mapstructure:"capabilities"`
	Currencies   []string          `mapstructure:"currencies"`
	// PayoutMethod is the affiliate payout method string this gateway serves, if any.
	PayoutMethod string `mapstructure:"payout_method"`
	// BaseURL overrides the processor endpoint (sandbox hosts, test servers).
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// EnvelopeKey signs the custom data envelope. It is filled from ENVELOPE_SECRET, never the file.
	EnvelopeKey string `mapstructure:"-"`
}

// Credential returns a credential value or "".
func (g GatewayConfig) Credential(key string) string {
	if g.Credentials == nil {
		return ""
	}
	return g.Credentials[key]
}

// HasCapability reports whether the capability is declared.
func (g GatewayConfig) HasCapability(name string) bool {
	for _, c := range g.Capabilities {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// AcceptsCurrency reports whether code is on the allow-list. An empty list accepts nothing.
func (g GatewayConfig) AcceptsCurrency(code string) bool {
	for _, c := range g.Currencies {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// LoadGateways reads the gateway settings file. Credentials may be overridden with
// SETTLEMENT_<GATEWAY>_<KEY> environment variables so secrets stay out of the file.
func LoadGateways(path string) ([]GatewayConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SETTLEMENT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading gateway config %s: %w", path, err)
	}

	var gateways []GatewayConfig
	if err := v.UnmarshalKey("gateways", &gateways); err != nil {
		return nil, fmt.Errorf("error decoding gateway config: %w", err)
	}

	seen := make(map[string]bool, len(gateways))
	for i := range gateways {
		g := &gateways[i]
		if g.ID == "" {
			return nil, fmt.Errorf("gateway #%d has no id", i)
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("gateway %q configured twice", g.ID)
		}
		seen[g.ID] = true

		if g.Credentials == nil {
			g.Credentials = make(map[string]string)
		}
		for key := range g.Credentials {
			envKey := "SETTLEMENT_" + strings.ToUpper(g.ID) + "_" + strings.ToUpper(key)
			if val := os.Getenv(envKey); val != "" {
				g.Credentials[key] = val
			}
		}
	}

	return gateways, nil
}
