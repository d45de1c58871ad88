// Package credential keeps Conduit API tokens in the system keyring so that
// project options can reference them instead of storing them in clear text.
package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "phabbridge"

// RefPrefix marks a token value that names a keyring entry.
const RefPrefix = "keyring:"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/phabbridge/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("phabbridge-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Label: "phabbridge conduit token " + key,
		Data:  []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Ref returns the token value that points at key.
func Ref(key string) string {
	return RefPrefix + key
}

// IsRef reports whether token names a keyring entry.
func IsRef(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), RefPrefix)
}

// Resolver turns a stored token value into the token sent to Conduit.
type Resolver func(token string) (string, error)

// NewResolver returns a Resolver that looks "keyring:<key>" values up with get
// and passes every other value through.
func NewResolver(get func(key string) (string, error)) Resolver {
	return func(token string) (string, error) {
		token = strings.TrimSpace(token)
		if !strings.HasPrefix(token, RefPrefix) {
			return token, nil
		}
		key := strings.TrimSpace(strings.TrimPrefix(token, RefPrefix))
		if key == "" {
			return "", fmt.Errorf("empty keyring reference")
		}
		return get(key)
	}
}

// Resolve resolves token against the system keyring.
func Resolve(token string) (string, error) {
	return NewResolver(Get)(token)
}
