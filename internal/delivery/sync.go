package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/reconcile"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

// Fetcher returns the provider metadata of one asset.
type Fetcher interface {
	Fetch(ctx context.Context, assetID string) (model.Document, error)
}

type Options struct {
	CarID  model.Ref
	DryRun bool
}

// Summary counts what a sync did. Pending is the number of assets that were
// (or, in a dry run, would be) fetched.
type Summary struct {
	Cars        int  `json:"cars"`
	URLs        int  `json:"urls"`
	Unparseable int  `json:"unparseable"`
	Assets      int  `json:"assets"`
	Existing    int  `json:"existing"`
	Pending     int  `json:"pending"`
	Stored      int  `json:"stored"`
	RateLimited int  `json:"rate_limited"`
	Failed      int  `json:"failed"`
	DryRun      bool `json:"dry_run"`
}

func (s Summary) String() string {
	prefix := ""
	if s.DryRun {
		prefix = "[dry-run] "
	}
	return fmt.Sprintf("%ssync-delivery: cars=%d urls=%d assets=%d existing=%d pending=%d stored=%d rate_limited=%d failed=%d unparseable=%d",
		prefix, s.Cars, s.URLs, s.Assets, s.Existing, s.Pending, s.Stored, s.RateLimited, s.Failed, s.Unparseable)
}

type Syncer struct {
	store     store.Store
	fetcher   Fetcher
	logger    logging.Logger
	limiter   *rate.Limiter
	batchSize int
	// Backoff is how long to pause after a batch that hit the rate limit.
	Backoff time.Duration
	now     func() time.Time
}

// NewSyncer fetches at most cfg.BatchSize assets at a time, one batch per
// cfg.BatchDelayMs.
func NewSyncer(s store.Store, f Fetcher, cfg config.DeliveryConfig, logger logging.Logger) *Syncer {
	if logger == nil {
		logger = logging.Discard()
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}
	limit := rate.Inf
	if cfg.BatchDelayMs > 0 {
		limit = rate.Every(time.Duration(cfg.BatchDelayMs) * time.Millisecond)
	}
	return &Syncer{
		store:     s,
		fetcher:   f,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: batch,
		Backoff:   5 * time.Second,
		now:       time.Now,
	}
}

// Run mirrors metadata for every asset referenced by the cars in scope that
// is not stored yet. Per-asset failures are counted and logged; only store
// failures and cancellation end the run.
func (s *Syncer) Run(ctx context.Context, opts Options) (Summary, error) {
	sum := Summary{DryRun: opts.DryRun}

	cars, err := s.cars(ctx, opts.CarID)
	if err != nil {
		return sum, err
	}
	sum.Cars = len(cars)

	urls := make(map[string]struct{})
	for _, c := range cars {
		for _, u := range c.Images {
			urls[u] = struct{}{}
		}
	}
	sum.URLs = len(urls)

	assets := make(map[string]struct{}, len(urls))
	for u := range urls {
		id, ok := reconcile.ExtractAssetID(u)
		if !ok {
			sum.Unparseable++
			s.logger.WarnCtx(ctx, "could not extract asset id", "url", u)
			continue
		}
		assets[id] = struct{}{}
	}
	sum.Assets = len(assets)

	ids := make([]string, 0, len(assets))
	for id := range assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pending []string
	for _, id := range ids {
		exists, err := s.store.HasDeliveryMetadata(ctx, id)
		if err != nil {
			return sum, fmt.Errorf("failed to check metadata for %s: %w", id, err)
		}
		if exists {
			sum.Existing++
			continue
		}
		pending = append(pending, id)
	}
	sum.Pending = len(pending)
	s.logger.InfoCtx(ctx, "delivery sync planned", "cars", sum.Cars, "assets", sum.Assets, "pending", sum.Pending)

	if opts.DryRun {
		return sum, nil
	}

	total := (len(pending) + s.batchSize - 1) / s.batchSize
	for i := 0; i < len(pending); i += s.batchSize {
		batch := pending[i:min(i+s.batchSize, len(pending))]
		if err := s.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		s.logger.DebugCtx(ctx, "processing batch", "batch", i/s.batchSize+1, "of", total)

		limited, err := s.runBatch(ctx, batch, &sum)
		if err != nil {
			return sum, err
		}
		if limited && s.Backoff > 0 {
			s.logger.WarnCtx(ctx, "rate limited, backing off", "backoff", s.Backoff)
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(s.Backoff):
			}
		}
	}
	s.logger.InfoCtx(ctx, "delivery sync finished", "stored", sum.Stored, "failed", sum.Failed, "rate_limited", sum.RateLimited)
	return sum, nil
}

func (s *Syncer) cars(ctx context.Context, id model.Ref) ([]model.Car, error) {
	if id == "" {
		cars, err := s.store.ListCars(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list cars: %w", err)
		}
		return cars, nil
	}
	car, err := s.store.GetCar(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load car %s: %w", id, err)
	}
	return []model.Car{car}, nil
}

// runBatch fetches batch concurrently and stores each result under its own
// asset id. It reports whether any fetch was rate limited.
func (s *Syncer) runBatch(ctx context.Context, batch []string, sum *Summary) (bool, error) {
	results := make([]model.Document, len(batch))
	errs := make([]error, len(batch))

	var g errgroup.Group
	for i, id := range batch {
		g.Go(func() error {
			results[i], errs[i] = s.fetcher.Fetch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	limited := false
	for i, id := range batch {
		switch err := errs[i]; {
		case errors.Is(err, ErrRateLimited):
			limited = true
			sum.RateLimited++
			s.logger.WarnCtx(ctx, "rate limit hit", "asset", id)
			continue
		case err != nil:
			sum.Failed++
			s.logger.ErrorCtx(ctx, "failed to fetch metadata", "asset", id, "error", err)
			continue
		}

		now := s.now().UTC()
		err := s.store.InsertDeliveryMetadata(ctx, model.DeliveryMetadata{
			AssetID:   id,
			Values:    results[i],
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			if ctx.Err() != nil {
				return limited, ctx.Err()
			}
			sum.Failed++
			s.logger.ErrorCtx(ctx, "failed to store metadata", "asset", id, "error", err)
			continue
		}
		sum.Stored++
		s.logger.DebugCtx(ctx, "stored metadata", "asset", id)
	}
	return limited, nil
}
