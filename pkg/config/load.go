package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Settings holds process bootstrap configuration: where the database lives
// and who the issuer is. Loaded from environment variables, optionally
// overlaid by a YAML profile file.
type Settings struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	IssuerNIF  string `yaml:"issuer_nif"`
	IssuerName string `yaml:"issuer_name"`
	LogLevel   string `yaml:"log_level"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Telemetry    bool   `yaml:"telemetry"`
}

// Load reads settings from environment variables with defaults. When
// VERIFACTU_PROFILE names a YAML file, its values take precedence.
func Load() (Settings, error) {
	s := Settings{
		Driver:       getenv("VERIFACTU_DB_DRIVER", "sqlite"),
		DSN:          getenv("VERIFACTU_DB_DSN", "verifactu.db"),
		IssuerNIF:    os.Getenv("VERIFACTU_ISSUER_NIF"),
		IssuerName:   os.Getenv("VERIFACTU_ISSUER_NAME"),
		LogLevel:     getenv("VERIFACTU_LOG_LEVEL", "INFO"),
		OTLPEndpoint: getenv("VERIFACTU_OTLP_ENDPOINT", "localhost:4317"),
	}
	if v := os.Getenv("VERIFACTU_TELEMETRY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, fmt.Errorf("parse VERIFACTU_TELEMETRY: %w", err)
		}
		s.Telemetry = enabled
	}

	if profile := os.Getenv("VERIFACTU_PROFILE"); profile != "" {
		data, err := os.ReadFile(profile)
		if err != nil {
			return Settings{}, fmt.Errorf("read profile %s: %w", profile, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse profile %s: %w", profile, err)
		}
	}
	return s, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
