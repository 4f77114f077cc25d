package gcp

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"google.golang.org/api/option"
)

// Config holds the settings used to build the Google Cloud API clients.
type Config struct {
	// CredentialsFile is a service account key. When empty, Application
	// Default Credentials are used.
	CredentialsFile string

	// UserAgent is appended to every API request.
	UserAgent string

	// RequestTimeout bounds a single API call.
	RequestTimeout time.Duration

	// Endpoint overrides both API endpoints. Used against emulators and in tests.
	Endpoint string

	// HTTPClient replaces the authenticated transport. When set, no
	// credentials are loaded.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "snapcrab",
		RequestTimeout: 60 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.CredentialsFile != "" {
		if _, err := os.Stat(c.CredentialsFile); err != nil {
			return fmt.Errorf("credentials file: %w", err)
		}
	}
	return nil
}

func (c Config) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(c.UserAgent))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	switch {
	case c.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(c.HTTPClient))
	case c.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	return opts
}
