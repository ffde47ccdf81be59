package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "streamgate"

// knownProtocols is the list of upstream protocols checked by List().
var knownProtocols = []string{"openai", "gemini", "claude"}

// Vault stores optional upstream API keys in the OS keychain, with
// fallback to environment variables. Keys are injected upstream only when
// the client request carries no credential of its own.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key for the given protocol in the OS keychain.
func (v *Vault) Set(protocol, key string) error {
	return keyring.Set(serviceName, protocol, key)
}

// Get retrieves the API key for the given protocol. It first checks the
// OS keychain, then falls back to the environment variable
// STREAMGATE_KEY_{UPPER(protocol)}.
func (v *Vault) Get(protocol string) (string, error) {
	secret, err := keyring.Get(serviceName, protocol)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "STREAMGATE_KEY_" + strings.ToUpper(protocol)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for %q: not in keychain and %s not set", protocol, envKey)
}

// Delete removes the API key for the given protocol from the OS keychain.
func (v *Vault) Delete(protocol string) error {
	return keyring.Delete(serviceName, protocol)
}

// List returns the known protocols that currently have keys stored, in
// either the keychain or the environment.
func (v *Vault) List() ([]string, error) {
	var found []string

	for _, protocol := range knownProtocols {
		secret, err := keyring.Get(serviceName, protocol)
		if err == nil && secret != "" {
			found = append(found, protocol)
			continue
		}

		envKey := "STREAMGATE_KEY_" + strings.ToUpper(protocol)
		if val := os.Getenv(envKey); val != "" {
			found = append(found, protocol)
		}
	}

	return found, nil
}
