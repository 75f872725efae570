package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "email-narrator"

// openKeyring returns a configured keyring instance.
func openKeyring(fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringLookup returns a Lookup backed by the system keyring. The keyring
// is opened lazily so a daemon without keyring references never touches it.
func KeyringLookup(fileDir string) Lookup {
	return func(name string) (string, error) {
		ring, err := openKeyring(fileDir)
		if err != nil {
			return "", err
		}

		item, err := ring.Get(name)
		if err != nil {
			return "", fmt.Errorf("getting credential %q: %w", name, err)
		}

		return string(item.Data), nil
	}
}
