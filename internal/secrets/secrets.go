// Package secrets resolves connection tokens that reference the OS
// keychain instead of carrying the literal value in the config file.
package secrets

import (
	"fmt"
	"os"
	"strings"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "dispatcher"

// keyringRefPrefix marks a Connection.Token value as a keychain lookup
// rather than a literal secret: "keyring:upstream-main" resolves to
// whatever was stored under account "upstream-main".
const keyringRefPrefix = "keyring:"

// Resolve turns a Connection.Token value into the literal secret to send
// upstream. Values without the keyring: prefix pass through unchanged. When
// the keyring is unavailable (DISPATCHER_KEYRING_DISABLED=1, or no OS
// keychain present), resolution falls back to the bare name rather than
// failing the dial, so a headless/CI run with a literal token stashed under
// that name in config still works.
func Resolve(token string) (string, error) {
	name, ok := strings.CutPrefix(token, keyringRefPrefix)
	if !ok {
		return token, nil
	}
	if !Available() {
		return name, nil
	}
	val, err := zkr.Get(serviceName, name)
	if err != nil {
		return "", fmt.Errorf("secrets: keyring get %q: %w", name, err)
	}
	return val, nil
}

// Store saves value under name for later Resolve calls.
func Store(name, value string) error {
	return zkr.Set(serviceName, name, value)
}

// Delete removes name from the keychain.
func Delete(name string) error {
	return zkr.Delete(serviceName, name)
}

// Available reports whether the OS keychain is usable. Set
// DISPATCHER_KEYRING_DISABLED=1 to force it off for headless/CI runs.
func Available() bool {
	if os.Getenv("DISPATCHER_KEYRING_DISABLED") == "1" {
		return false
	}
	const probeAccount = "dispatcher-keyring-probe"
	if err := zkr.Set(serviceName, probeAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(serviceName, probeAccount)
	return true
}
