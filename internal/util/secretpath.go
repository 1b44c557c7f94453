package util

import (
	"path/filepath"
	"strings"
)

var secretSuffixes = []string{".pem", ".key", ".p12", ".pfx", ".keystore"}

var secretDirs = []string{".aws/credentials", ".docker/config.json", ".ssh/", ".config/gcloud/"}

// IsSecretPath reports whether path names a credential file that must never
// be sent to a provider.
func IsSecretPath(path string) bool {
	slashed := strings.ToLower(filepath.ToSlash(path))
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasPrefix(base, ".env"), strings.HasPrefix(base, "id_rsa"), strings.HasPrefix(base, "id_ed25519"):
		return true
	case base == ".npmrc", base == ".netrc", base == ".pypirc":
		return true
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	for _, dir := range secretDirs {
		if strings.Contains(slashed, dir) {
			return true
		}
	}
	return false
}
