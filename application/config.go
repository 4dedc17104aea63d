package application

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// IssuerConfig is the configuration of an issuer-side embedding: the
// identity advertised in challenges, the issuance limits, and the
// logger setup. Key material is referenced by path, never inlined.
type IssuerConfig struct {
	Path string `toml:"-"`

	IssuerName string `toml:"issuer_name"`
	OriginInfo string `toml:"origin_info"`
	TokenType  uint16 `toml:"token_type"`
	MaxBatch   int    `toml:"max_batch,omitempty"`
	MaxAge     uint32 `toml:"max_age,omitempty"`

	PrivateKeyPath string `toml:"private_key_path"`

	Logger *LoggerConfig `toml:"logger"`
}

// LoadIssuerConfig reads and validates a TOML issuer configuration.
func LoadIssuerConfig(file string) (*IssuerConfig, error) {
	var conf IssuerConfig
	if _, err := toml.DecodeFile(file, &conf); err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	conf.Path = file

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (conf *IssuerConfig) validate() error {
	if conf.IssuerName == "" {
		return fmt.Errorf("config %s: issuer_name must be set", conf.Path)
	}
	if conf.TokenType == 0 {
		return fmt.Errorf("config %s: token_type must be set", conf.Path)
	}
	return nil
}

// LoadPrivateKey reads the base64 issuance key the configuration
// points at.
func (conf *IssuerConfig) LoadPrivateKey() (string, error) {
	if conf.PrivateKeyPath == "" {
		return "", fmt.Errorf("config %s: private_key_path must be set", conf.Path)
	}
	raw, err := os.ReadFile(conf.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %v", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Save writes the configuration back to its path in TOML.
func (conf *IssuerConfig) Save() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(conf); err != nil {
		return fmt.Errorf("failed to encode config: %v", err)
	}
	return os.WriteFile(conf.Path, buf.Bytes(), 0600)
}

// GetPath returns the file the configuration was loaded from.
func (conf *IssuerConfig) GetPath() string {
	return conf.Path
}
