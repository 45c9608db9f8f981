package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/credential"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
	"github.com/nhle/vibez-sync/internal/source/beeper"
	"github.com/nhle/vibez-sync/internal/source/googlegroups"
	"github.com/nhle/vibez-sync/internal/source/matrix"
	appsync "github.com/nhle/vibez-sync/internal/sync"
)

const defaultMatrixSyncTimeout = 30 * time.Second

// Secrets resolves the credential for a source.
type Secrets interface {
	Resolve(src model.SourceConfig) (string, error)
}

// registerSources registers every enabled source that has a credential
// with the orchestrator. Sources without one are skipped with a log line.
// It returns the number registered.
func registerSources(
	o *appsync.Orchestrator,
	cfg *model.AppConfig,
	secrets Secrets,
	logger zerolog.Logger,
) int {
	registered := 0
	for _, src := range cfg.EnabledSources() {
		if _, err := secrets.Resolve(src); err != nil {
			logger.Warn().Err(err).
				Str("source", src.Key()).
				Str("env", credential.EnvFor(src)).
				Str("keyring_key", credential.KeyFor(src)).
				Msg("skipping source: credential not found")
			continue
		}

		factory, err := adapterFactory(src, secrets, logger)
		if err != nil {
			logger.Warn().Err(err).Str("source", src.Key()).Msg("skipping source")
			continue
		}

		o.Register(src.Key(), src.Type, factory, supervisorConfig(cfg.Supervisor, src))
		registered++
	}
	return registered
}

// adapterFactory returns a constructor for src's adapter. The credential
// is resolved again on each build so a restarted supervisor picks up a
// refreshed token.
func adapterFactory(src model.SourceConfig, secrets Secrets, logger zerolog.Logger) (appsync.AdapterFactory, error) {
	var build func(secret string) source.Adapter

	switch model.SourceType(src.Type) {
	case model.SourceTypeBeeper:
		build = func(secret string) source.Adapter { return createBeeperAdapter(src, secret, logger) }
	case model.SourceTypeMatrix:
		build = func(secret string) source.Adapter { return createMatrixAdapter(src, secret, logger) }
	case model.SourceTypeGoogleGroups:
		build = func(secret string) source.Adapter { return createGoogleGroupsAdapter(src, secret, logger) }
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}

	return func() (source.Adapter, error) {
		secret, err := secrets.Resolve(src)
		if err != nil {
			return nil, err
		}
		return build(secret), nil
	}, nil
}

// createBeeperAdapter builds a chat-bridge adapter from a source configuration.
func createBeeperAdapter(src model.SourceConfig, token string, logger zerolog.Logger) *beeper.Adapter {
	excluded, ok := src.List("excluded_groups")
	if !ok {
		excluded = beeper.DefaultExcludedGroups
	}
	allowed, _ := src.List("allowed_groups")
	networks, _ := src.List("networks")

	client := beeper.NewClient(src.BaseURL, token, src.Key())
	return beeper.NewAdapter(client, beeper.Options{
		Key:      src.Key(),
		Policy:   source.ScopePolicy{Excluded: excluded, Allowed: allowed},
		Networks: networks,
	}, logger)
}

// createMatrixAdapter builds a federated-protocol adapter.
func createMatrixAdapter(src model.SourceConfig, token string, logger zerolog.Logger) *matrix.Adapter {
	excluded, _ := src.List("excluded_rooms")
	allowed, _ := src.List("allowed_rooms")

	syncTimeout := defaultMatrixSyncTimeout
	if ms := src.Int("sync_timeout_ms", 0); ms > 0 {
		syncTimeout = time.Duration(ms) * time.Millisecond
	}

	client := matrix.NewClient(src.BaseURL, token, src.Key(), syncTimeout)
	return matrix.NewAdapter(client, matrix.Options{
		Key:    src.Key(),
		Policy: source.ScopePolicy{Excluded: excluded, Allowed: allowed},
		Bridge: src.Get("bridge"),
	}, logger)
}

// createGoogleGroupsAdapter builds a mail-gateway adapter over IMAP.
func createGoogleGroupsAdapter(src model.SourceConfig, password string, logger zerolog.Logger) *googlegroups.Adapter {
	host := src.Get("host")
	if host == "" {
		host = "imap.gmail.com"
	}
	port := src.Get("port")
	if port == "" {
		port = "993"
	}

	groups, _ := src.List("groups")
	excluded, _ := src.List("excluded_groups")

	mailbox := googlegroups.NewIMAPClient(
		host, port, src.Get("username"), password, src.Get("mailbox"),
		src.Bool("tls", true), src.Key(),
	)
	return googlegroups.NewAdapter(mailbox, googlegroups.Options{
		Key:    src.Key(),
		Policy: source.ScopePolicy{Excluded: excluded, Allowed: groups},
	}, logger)
}

// supervisorConfig combines the shared timings with the source's interval.
func supervisorConfig(sc model.SupervisorConfig, src model.SourceConfig) appsync.SupervisorConfig {
	return appsync.SupervisorConfig{
		PollInterval:   src.PollInterval(),
		BackoffFloor:   time.Duration(sc.BackoffFloorSec) * time.Second,
		BackoffCeiling: time.Duration(sc.BackoffCeilingSec) * time.Second,
		FetchTimeout:   time.Duration(sc.FetchTimeoutSec) * time.Second,
	}
}
