package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return errors.New("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert

	return nil
}

type Config struct {
	ListenAddress  string       `env:"LISTEN_ADDRESS,default=0.0.0.0:8080"`
	SQLitePath     string       `env:"SQLITE_PATH,default=db/data-sync.db"`
	PgDatabaseUrl  string       `env:"DATABASE_URL"`
	CACert         *Certificate `env:"CA_CERT"`
	AllowedOrigins string       `env:"ALLOWED_ORIGINS,default=*"`
}

// Origins splits the comma-separated ALLOWED_ORIGINS value for the CORS
// layer.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
