package cli

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/offsync/internal/codec"
	"github.com/alexjbarnes/offsync/internal/config"
	"github.com/alexjbarnes/offsync/internal/conflict"
	"github.com/alexjbarnes/offsync/internal/connectivity"
	"github.com/alexjbarnes/offsync/internal/engine"
	"github.com/alexjbarnes/offsync/internal/keystore"
	"github.com/alexjbarnes/offsync/internal/logging"
	"github.com/alexjbarnes/offsync/internal/remote"
	"github.com/alexjbarnes/offsync/internal/store"
)

// app is one opened offsync instance: config, key material, store and
// engine. Commands open it, use it, and close it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	keys   *keystore.KeyStore
	engine *engine.Engine

	// Connectivity feeds that need Run; nil when not configured.
	fileFeed  *connectivity.FileFeed
	probeFeed *connectivity.ProbeFeed
}

// openApp loads configuration and builds the engine. daemon selects the
// configured log level; one-shot commands log warnings only unless
// --verbose is set.
func openApp(opts *RootOptions, daemon bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level := cfg.LogLevel
	switch {
	case opts.Verbose:
		level = "debug"
	case !daemon && level == "":
		level = "warn"
	}

	logger := logging.NewLogger(cfg.IsProduction(), level)

	keys, err := keystore.Open(cfg.KeystorePath())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, keys: keys}

	if err := a.build(); err != nil {
		keys.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) build() error {
	cfg, logger := a.cfg, a.logger

	c, source, err := codec.Open(cfg.EncryptionKey, a.keys, cfg.CodecOptions()...)
	if err != nil {
		return fmt.Errorf("opening codec: %w", err)
	}

	logger.Debug("encryption key resolved", slog.String("source", string(source)))

	if source == codec.KeyGenerated {
		logger.Warn("generated a new encryption key; back up the keystore",
			slog.String("path", cfg.KeystorePath()),
		)
	}

	if codec.IVPolicy(cfg.IVPolicy) == codec.IVFixed {
		logger.Warn("fixed IV policy in use; identical payloads produce identical ciphertext")
	}

	st, err := store.Open(cfg.StorePath(), store.Options{
		Cipher:     c,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if cfg.SessionToken != "" {
		if err := st.SetToken(cfg.SessionToken); err != nil {
			st.Close()
			return fmt.Errorf("saving session token: %w", err)
		}
	}

	rc, err := remote.NewClient(cfg.Endpoint, remote.NewHTTPClient(cfg.HTTPTimeout), logger)
	if err != nil {
		st.Close()
		return err
	}

	rc.SetMaxFetchBytes(cfg.FetchMaxBytes)

	resolver, err := conflict.ForPolicy(cfg.ConflictPolicy, logger)
	if err != nil {
		st.Close()
		return err
	}

	var feeds []connectivity.Feed

	if cfg.ConnectivityFile != "" {
		a.fileFeed = connectivity.NewFileFeed(cfg.ConnectivityFile, logger.With(slog.String("feed", "file")))
		feeds = append(feeds, a.fileFeed)
	}

	if cfg.ConnectivityProbeURL != "" {
		a.probeFeed = connectivity.NewProbeFeed(cfg.ConnectivityProbeURL, logger.With(slog.String("feed", "probe")))
		feeds = append(feeds, a.probeFeed)
	}

	e, err := engine.New(engine.Options{
		Store:            st,
		Remote:           rc,
		Feed:             connectivity.Merge(feeds...),
		Resolver:         resolver,
		BatchSize:        cfg.BatchSize,
		PruneSyncedAfter: cfg.PruneSyncedAfter,
		Logger:           logger,
	})
	if err != nil {
		st.Close()
		return err
	}

	a.engine = e

	return nil
}

// Close closes the engine, its store, and the keystore.
func (a *app) Close() error {
	err := a.engine.Close()
	if kerr := a.keys.Close(); err == nil {
		err = kerr
	}

	return err
}
