package keychain

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const serviceName = "botdeck"

// ErrNotFound is returned when no credential is stored for the account.
var ErrNotFound = errors.New("no credential in keychain")

// Get retrieves a bot credential the user stored in the system keychain.
// botdeck never writes to the keychain.
func Get(account string) (string, error) {
	if account == "" {
		return "", fmt.Errorf("keychain account is empty")
	}
	secret, err := keyring.Get(serviceName, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w for account %q", ErrNotFound, account)
	}
	if err != nil {
		return "", fmt.Errorf("keychain lookup: %w", err)
	}
	return secret, nil
}

// Service returns the keychain service name credentials are stored under.
func Service() string {
	return serviceName
}
