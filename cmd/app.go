package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/forgeworks/devloop/internal/agent"
	"github.com/forgeworks/devloop/internal/blob"
	"github.com/forgeworks/devloop/internal/contextindex"
	"github.com/forgeworks/devloop/internal/embed"
	"github.com/forgeworks/devloop/internal/ledger"
	"github.com/forgeworks/devloop/internal/notify"
	"github.com/forgeworks/devloop/internal/pipeline"
	"github.com/forgeworks/devloop/internal/store"
	anthropicpkg "github.com/forgeworks/devloop/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "devloop.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// app bundles the wired collaborators behind the CLI commands.
type app struct {
	store    store.Store
	blobs    *blob.Store
	ledger   *ledger.CreditLedger
	pipeline *pipeline.Pipeline
	embedder *embed.FastEmbed
}

func initApp(ctx context.Context) (*app, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	embedder, err := embed.NewFastEmbed(embed.FastEmbedConfig{
		Model:    cfg.Embed.Model,
		CacheDir: cfg.Embed.CacheDir,
	})
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "init embedder")
	}

	blobs := blob.NewDir(cfg.Blob.Dir)
	index := contextindex.New(contextindex.NewMemoryRegistry(), embedder)
	lg := ledger.New(st, cfg.Ledger)

	agents := agent.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Agent)

	pl := pipeline.New(st, blobs, index, lg,
		agents, agents, agents,
		notify.NewLogNotifier(), cfg.Pipeline)

	return &app{
		store:    st,
		blobs:    blobs,
		ledger:   lg,
		pipeline: pl,
		embedder: embedder,
	}, nil
}

func (a *app) Close() {
	if a.embedder != nil {
		a.embedder.Close() //nolint:errcheck
	}
	a.store.Close() //nolint:errcheck
}
