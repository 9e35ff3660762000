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

// Package keygen implements the smcpd keygen command.
package keygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/auth"
	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/token"
)

// Result describes a generated signing key.
type Result struct {
	PublicKey  string `json:"public_key"`
	Thumbprint string `json:"thumbprint"`
	Path       string `json:"path,omitempty"`
	Keyring    string `json:"keyring_service,omitempty"`
}

// APIKeyResult describes a generated operator API key.
type APIKeyResult struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

type options struct {
	out     string
	keyring bool
	service string
	force   bool
	apiKey  bool
	name    string
}

// NewCommand creates the keygen command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token signing key or an operator API key",
		Long: `Generate an Ed25519 key for signing security tokens.

The private key is written as a PKCS#8 PEM file with mode 0600, or stored
in the system keychain. The public key and its thumbprint are printed so
that token verifiers can be configured.

With --api-key, generate a random operator API key instead. Add it to
server.api_keys in the daemon configuration and pass it to the CLI through
SMCP_API_KEY.`,
		Example: `  # Write the key to a file
  smcpd keygen --out /etc/smcp/signing.pem

  # Store the key in the system keychain
  smcpd keygen --keyring

  # Generate an operator API key for the orchestrator
  smcpd keygen --api-key --name orchestrator`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write the private key PEM to this file")
	cmd.Flags().BoolVar(&opts.keyring, "keyring", false, "Store the private key in the system keychain")
	cmd.Flags().StringVar(&opts.service, "service", token.DefaultKeyringService, "Keychain service name")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing key file")
	cmd.Flags().BoolVar(&opts.apiKey, "api-key", false, "Generate an operator API key instead of a signing key")
	cmd.Flags().StringVar(&opts.name, "name", "operator", "Name of the generated API key")
	cmd.MarkFlagsOneRequired("out", "keyring", "api-key")
	cmd.MarkFlagsMutuallyExclusive("out", "keyring", "api-key")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	if opts.apiKey {
		return runAPIKey(cmd, opts.name)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	result := Result{Thumbprint: envelope.Thumbprint(pub)}
	if opts.keyring {
		if err := token.StoreInKeyring(opts.service, priv); err != nil {
			return err
		}
		result.Keyring = opts.service
	} else {
		if err := writeKeyFile(opts.out, priv, opts.force); err != nil {
			return err
		}
		result.Path = opts.out
	}

	pubPEM, err := token.MarshalPublicKeyPEM(pub)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	result.PublicKey = string(pubPEM)

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), result)
	}

	out := cmd.OutOrStdout()
	if result.Path != "" {
		fmt.Fprintln(out, shared.RenderOK("Signing key written to "+result.Path))
	} else {
		fmt.Fprintln(out, shared.RenderOK("Signing key stored in keychain service "+result.Keyring))
	}
	fmt.Fprintf(out, "%s %s\n\n", shared.Muted.Render("thumbprint:"), result.Thumbprint)
	fmt.Fprint(out, result.PublicKey)
	return nil
}

func runAPIKey(cmd *cobra.Command, name string) error {
	if name == "" {
		return fmt.Errorf("--name must not be empty")
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate API key: %w", err)
	}
	result := APIKeyResult{Name: name, Key: key}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, shared.RenderOK("Operator API key generated"))
	fmt.Fprintf(out, "%s\n\n", shared.Muted.Render("add it to the daemon configuration:"))
	fmt.Fprintf(out, "server:\n  api_keys:\n    - name: %s\n      key: %s\n", name, key)
	return nil
}

// writeKeyFile writes key to path with mode 0600, refusing to replace an
// existing file unless force is set.
func writeKeyFile(path string, key ed25519.PrivateKey, force bool) error {
	data, err := token.MarshalPrivateKeyPEM(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}
