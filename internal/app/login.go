package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/credential"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
)

// staticSecret resolves every source to one value.
type staticSecret string

func (s staticSecret) Resolve(model.SourceConfig) (string, error) { return string(s), nil }

// Login stores secret for the source with id in the keyring.
func Login(cfg *model.AppConfig, id, secret string, set func(key, value string) error) (model.SourceConfig, error) {
	src, ok := cfg.FindSource(id)
	if !ok {
		return src, fmt.Errorf("no source with id %q in config", id)
	}
	if secret == "" {
		return src, fmt.Errorf("empty credential for %s", id)
	}
	if set == nil {
		set = credential.Set
	}
	if err := set(credential.KeyFor(src), secret); err != nil {
		return src, err
	}
	return src, nil
}

// Verify checks secret against src. Adapters without a credential probe
// are verified by running discovery.
func Verify(ctx context.Context, src model.SourceConfig, secret string, logger zerolog.Logger) error {
	factory, err := adapterFactory(src, staticSecret(secret), logger)
	if err != nil {
		return err
	}
	a, err := factory()
	if err != nil {
		return err
	}
	if p, ok := a.(source.Prober); ok {
		return p.Probe(ctx)
	}
	_, err = a.Discover(ctx)
	return err
}
