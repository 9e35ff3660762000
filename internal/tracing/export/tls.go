// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package export

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// DefaultTLSConfig returns the TLS settings used when none are configured:
// system roots and TLS 1.2 or newer.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// ValidateTLSConfig checks that a TLS config meets minimum requirements.
func ValidateTLSConfig(cfg *tls.Config) error {
	if cfg == nil {
		return errors.New("TLS config is nil")
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		return fmt.Errorf("minimum TLS version must be 1.2 or higher, got %#x", cfg.MinVersion)
	}
	return nil
}

// TLSConfigInput provides configuration for building a TLS config.
type TLSConfigInput struct {
	Enabled    bool
	SkipVerify bool
	CACertPath string
}

// BuildTLSConfig creates a TLS configuration. It returns nil when TLS
// customization is not enabled, leaving exporters on DefaultTLSConfig.
func BuildTLSConfig(input TLSConfigInput) (*tls.Config, error) {
	if !input.Enabled {
		return nil, nil
	}

	cfg := DefaultTLSConfig()
	cfg.InsecureSkipVerify = input.SkipVerify

	if input.CACertPath != "" {
		caCert, err := os.ReadFile(input.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", input.CACertPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
