// Package app wires configuration, logging, the store and the passes
// together. Every surface (CLI, HTTP API, MCP tools) goes through an App.
package app

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/batch"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/coverage"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/delivery"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/indexes"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metrics"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/reconcile"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/watch"
)

type App struct {
	Config  *config.Config
	Logger  logging.Logger
	Store   store.Store
	Metrics *metrics.Metrics

	rules atomic.Pointer[watch.Rules]
}

// NewLogger builds the logger described by cfg.Log, writing to stderr.
func NewLogger(cfg *config.Config) logging.Logger {
	return logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
}

// Open connects to the configured store and builds the lookup tables. A
// connectivity failure is returned wrapping store.ErrConnect.
func Open(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	s, err := store.NewStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a, err := New(cfg, logger, s)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	a.Logger.Info("store connected", "backend", s.Backend())
	return a, nil
}

// New wraps an already open store.
func New(cfg *config.Config, logger logging.Logger, s store.Store) (*App, error) {
	rules, err := watch.LoadRules(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid vocabulary or defaults: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	a := &App{Config: cfg, Logger: logger, Store: s, Metrics: metrics.New()}
	a.rules.Store(rules)
	return a, nil
}

// Close releases the store handle.
func (a *App) Close(ctx context.Context) error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close(ctx)
}

// Rules returns the vocabulary and processing defaults in effect.
func (a *App) Rules() *watch.Rules { return a.rules.Load() }

// SetRules swaps in reloaded rules. Runs already in progress keep theirs.
func (a *App) SetRules(r *watch.Rules) {
	if r != nil {
		a.rules.Store(r)
	}
}

func (a *App) Builder() *query.Builder {
	return query.NewBuilder(a.Rules().Vocabulary)
}

func (a *App) Reporter() *coverage.Reporter {
	return coverage.NewReporter(a.Store, a.Rules().Vocabulary)
}

func (a *App) Indexes() *indexes.Applier {
	return indexes.NewApplier(a.Store, a.Logger, a.Metrics)
}

// Syncer returns the delivery metadata syncer. It fails with
// delivery.ErrNotConfigured when credentials are missing.
func (a *App) Syncer() (*delivery.Syncer, error) {
	client, err := delivery.NewClient(a.Config.Delivery)
	if err != nil {
		return nil, err
	}
	return delivery.NewSyncer(a.Store, client, a.Config.Delivery, a.Logger), nil
}

// BatchOptions fills unset worker and threshold values from the config.
func (a *App) BatchOptions(opts batch.Options) batch.Options {
	if opts.Workers <= 0 {
		opts.Workers = a.Config.Batch.Workers
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = a.Config.Batch.ErrorThreshold
	}
	if opts.Mode == "" {
		opts.Mode = batch.ModeFull
	}
	return opts
}

// PassFlags are the pass-specific switches.
type PassFlags struct {
	// Fallback lets inherit use processing defaults for unresolvable originals.
	Fallback bool
	// DeleteOrphans lets the orphan pass delete images whose car is missing.
	DeleteOrphans bool
}

// PassNames lists the passes RunPass accepts.
var PassNames = []string{
	reconcile.PassInherit,
	reconcile.PassApplyDefaults,
	reconcile.PassFlatten,
	reconcile.PassNormalizeCarIDs,
	reconcile.PassDedupe,
	reconcile.PassOrphans,
}

// Pass builds the named pass against the current rules.
func (a *App) Pass(name string, flags PassFlags) (batch.Pass, error) {
	newResolver := func() (*reconcile.Resolver, error) {
		return reconcile.NewResolver(a.Store, a.Rules().Defaults, a.Logger, a.Config.Batch.LookupCacheSize)
	}
	switch name {
	case reconcile.PassInherit:
		r, err := newResolver()
		if err != nil {
			return batch.Pass{}, err
		}
		return reconcile.InheritPass(r, flags.Fallback), nil
	case reconcile.PassApplyDefaults:
		r, err := newResolver()
		if err != nil {
			return batch.Pass{}, err
		}
		return reconcile.DefaultsPass(r), nil
	case reconcile.PassFlatten:
		return reconcile.FlattenPass(a.Store), nil
	case reconcile.PassNormalizeCarIDs:
		return reconcile.NormalizeCarIDsPass(a.Store), nil
	case reconcile.PassDedupe:
		return reconcile.DedupePass(a.Store), nil
	case reconcile.PassOrphans:
		return reconcile.OrphanPass(a.Store, a.Logger, flags.DeleteOrphans)
	}
	return batch.Pass{}, fmt.Errorf("unknown pass %q", name)
}

// RunPass builds and runs the named pass.
func (a *App) RunPass(ctx context.Context, name string, opts batch.Options, flags PassFlags) (*batch.Summary, error) {
	pass, err := a.Pass(name, flags)
	if err != nil {
		return nil, err
	}
	return batch.NewRunner(a.Store, a.Logger, a.Metrics).Run(ctx, pass, a.BatchOptions(opts))
}
