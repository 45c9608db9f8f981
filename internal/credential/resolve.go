package credential

import (
	"fmt"
	"os"
	"strings"

	"github.com/nhle/vibez-sync/internal/model"
)

// Default environment variables per source type.
var defaultEnv = map[string]string{
	string(model.SourceTypeBeeper):       "BEEPER_API_TOKEN",
	string(model.SourceTypeMatrix):       "MATRIX_ACCESS_TOKEN",
	string(model.SourceTypeGoogleGroups): "GOOGLE_GROUPS_APP_PASSWORD",
}

// Resolver looks up source secrets: the configured environment variable
// first, then the keyring.
type Resolver struct {
	LookupEnv func(string) (string, bool)
	Keyring   func(key string) (string, error)
}

// NewResolver returns a Resolver backed by the process environment and
// the system keyring.
func NewResolver() *Resolver {
	return &Resolver{LookupEnv: os.LookupEnv, Keyring: Get}
}

// KeyFor returns the keyring key for a source, "<type>-<id>".
func KeyFor(src model.SourceConfig) string {
	return src.Type + "-" + src.Key()
}

// EnvFor returns the environment variable holding src's secret: the
// token_env or password_env setting, else the type's default.
func EnvFor(src model.SourceConfig) string {
	if v := src.Get("token_env"); v != "" {
		return v
	}
	if v := src.Get("password_env"); v != "" {
		return v
	}
	return defaultEnv[src.Type]
}

// Resolve returns the secret for src. It wraps ErrNotFound when neither
// the environment nor the keyring has one.
func (r *Resolver) Resolve(src model.SourceConfig) (string, error) {
	if env := EnvFor(src); env != "" && r.LookupEnv != nil {
		if v, ok := r.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}

	if r.Keyring == nil {
		return "", fmt.Errorf("source %s: %w", src.Key(), ErrNotFound)
	}
	v, err := r.Keyring(KeyFor(src))
	if err != nil {
		return "", fmt.Errorf("source %s: %w", src.Key(), err)
	}
	if v == "" {
		return "", fmt.Errorf("source %s: %w", src.Key(), ErrNotFound)
	}
	return v, nil
}
