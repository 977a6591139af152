// Package batch runs a per-record pass over image records and summarizes it.
//
// A pass never aborts on a per-record failure: the error is recorded and the
// run continues. Only a failure of the store itself ends the run early.
package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metrics"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

type Mode string

const (
	// ModeFull visits every record in scope and decides in process.
	ModeFull Mode = "full"
	// ModePartial visits only the pass's candidates, up to Limit.
	ModePartial Mode = "partial"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFull:
		return ModeFull, nil
	case ModePartial:
		return ModePartial, nil
	}
	return "", fmt.Errorf("unknown mode %q (want full or partial)", s)
}

type Options struct {
	CarID          model.Ref
	DryRun         bool
	Mode           Mode
	Limit          int64
	Workers        int
	ErrorThreshold float64
}

// Outcome labels used by every pass. Passes may add their own.
const (
	OutcomeFixed   = "fixed"
	OutcomeSkipped = "skipped"
	OutcomeErrored = "errored"
)

// Result is what a pass did with one record.
type Result struct {
	// Outcome is a pass-specific label, e.g. "inherited". Empty means
	// OutcomeFixed when Changed and OutcomeSkipped otherwise.
	Outcome string
	// Changed is true when the record was (or, in a dry run, would be) written.
	Changed bool
}

// Pass is one reconciliation operation.
type Pass struct {
	Name string
	// Candidates narrows the scan in partial mode. nil means every record.
	Candidates query.Predicate
	// Sort orders the scan, e.g. oldest first for deduplication.
	Sort []store.SortKey
	// Sequential passes see records one at a time in scan order.
	Sequential bool
	// Process handles one record. It must honor dryRun by not writing.
	Process func(ctx context.Context, img model.Image, dryRun bool) (Result, error)
}

type RecordError struct {
	ID    model.Ref `json:"id"`
	Error string    `json:"error"`
}

type Summary struct {
	RunID     string           `json:"run_id"`
	Pass      string           `json:"pass"`
	Mode      Mode             `json:"mode"`
	DryRun    bool             `json:"dry_run"`
	Processed int64            `json:"processed"`
	Fixed     int64            `json:"fixed"`
	Skipped   int64            `json:"skipped"`
	Errored   int64            `json:"errored"`
	Outcomes  map[string]int64 `json:"outcomes"`
	Errors    []RecordError    `json:"errors,omitempty"`
	Duration  time.Duration    `json:"duration_ns"`
}

// ErrorRate is Errored/Processed, 0 for an empty run.
func (s *Summary) ErrorRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Errored) / float64(s.Processed)
}

// ExceedsThreshold reports whether the error rate is above threshold.
func (s *Summary) ExceedsThreshold(threshold float64) bool {
	return s.Errored > 0 && s.ErrorRate() > threshold
}

func (s *Summary) String() string {
	prefix := ""
	if s.DryRun {
		prefix = "[dry-run] "
	}
	keys := make([]string, 0, len(s.Outcomes))
	for k := range s.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, s.Outcomes[k])
	}
	return fmt.Sprintf("%s%s: processed=%d fixed=%d skipped=%d errored=%d (%s) in %s",
		prefix, s.Pass, s.Processed, s.Fixed, s.Skipped, s.Errored,
		strings.Join(parts, " "), s.Duration.Round(time.Millisecond))
}

// maxRecordedErrors bounds Summary.Errors; the Errored counter is exact.
const maxRecordedErrors = 100

type tally struct {
	processed *xsync.Counter
	fixed     *xsync.Counter
	skipped   *xsync.Counter
	errored   *xsync.Counter
	outcomes  *xsync.MapOf[string, *xsync.Counter]

	mu     sync.Mutex
	errors []RecordError
}

func newTally() *tally {
	return &tally{
		processed: xsync.NewCounter(),
		fixed:     xsync.NewCounter(),
		skipped:   xsync.NewCounter(),
		errored:   xsync.NewCounter(),
		outcomes:  xsync.NewMapOf[string, *xsync.Counter](),
	}
}

func (t *tally) outcome(name string) {
	c, _ := t.outcomes.LoadOrCompute(name, func() *xsync.Counter { return xsync.NewCounter() })
	c.Inc()
}

func (t *tally) fail(id model.Ref, err error) {
	t.errored.Inc()
	t.outcome(OutcomeErrored)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errors) < maxRecordedErrors {
		t.errors = append(t.errors, RecordError{ID: id, Error: err.Error()})
	}
}

func (t *tally) summary() Summary {
	s := Summary{
		Processed: t.processed.Value(),
		Fixed:     t.fixed.Value(),
		Skipped:   t.skipped.Value(),
		Errored:   t.errored.Value(),
		Outcomes:  map[string]int64{},
	}
	t.outcomes.Range(func(k string, c *xsync.Counter) bool {
		s.Outcomes[k] = c.Value()
		return true
	})
	t.mu.Lock()
	s.Errors = append([]RecordError(nil), t.errors...)
	t.mu.Unlock()
	sort.Slice(s.Errors, func(i, j int) bool { return s.Errors[i].ID < s.Errors[j].ID })
	return s
}

type Runner struct {
	store   store.Store
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewRunner(s store.Store, logger logging.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{store: s, logger: logger, metrics: m}
}

// Predicate is the scan filter for pass under opts.
func Predicate(pass Pass, opts Options) query.Predicate {
	scope := query.Scope(opts.CarID)
	if opts.Mode == ModePartial && pass.Candidates != nil {
		return query.Conj(scope, pass.Candidates)
	}
	return scope
}

// Run streams the records selected by opts through pass.Process with at most
// opts.Workers concurrent calls. The returned error is non-nil only when the
// scan itself fails; per-record failures are in the summary.
func (r *Runner) Run(ctx context.Context, pass Pass, opts Options) (*Summary, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	workers := opts.Workers
	if workers < 1 || pass.Sequential {
		workers = 1
	}

	runID := uuid.NewString()
	ctx = logging.WithDefaultArgs(ctx, "run_id", runID, "pass", pass.Name)
	start := time.Now()

	pred := Predicate(pass, opts)
	find := store.FindOptions{Sort: pass.Sort}
	if opts.Mode == ModePartial {
		find.Limit = opts.Limit
	}

	r.logger.InfoCtx(ctx, "pass started",
		"mode", opts.Mode, "dry_run", opts.DryRun, "car", opts.CarID, "workers", workers, "filter", pred.String())

	t := newTally()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	scanErr := r.store.EachImage(gctx, pred, find, func(img model.Image) error {
		g.Go(func() error {
			r.process(gctx, pass, opts, img, t)
			return nil
		})
		return gctx.Err()
	})
	waitErr := g.Wait()

	summary := t.summary()
	summary.RunID = runID
	summary.Pass = pass.Name
	summary.Mode = opts.Mode
	summary.DryRun = opts.DryRun
	summary.Duration = time.Since(start)
	r.metrics.ObservePass(pass.Name, summary.Duration)

	if scanErr != nil {
		r.logger.ErrorCtx(ctx, "pass aborted", "error", scanErr)
		return &summary, fmt.Errorf("failed to scan images for %s: %w", pass.Name, scanErr)
	}
	if waitErr != nil {
		return &summary, waitErr
	}

	r.logger.InfoCtx(ctx, "pass finished",
		"processed", summary.Processed, "fixed", summary.Fixed,
		"skipped", summary.Skipped, "errored", summary.Errored, "duration", summary.Duration)
	return &summary, nil
}

func (r *Runner) process(ctx context.Context, pass Pass, opts Options, img model.Image, t *tally) {
	t.processed.Inc()

	res, err := pass.Process(ctx, img, opts.DryRun)
	if err != nil {
		t.fail(img.ID, err)
		r.metrics.ObserveError(pass.Name)
		r.metrics.ObserveRecord(pass.Name, OutcomeErrored)
		r.logger.WarnCtx(ctx, "record failed", "id", img.ID, "error", err)
		return
	}

	outcome := res.Outcome
	if res.Changed {
		t.fixed.Inc()
		if outcome == "" {
			outcome = OutcomeFixed
		}
	} else {
		t.skipped.Inc()
		if outcome == "" {
			outcome = OutcomeSkipped
		}
	}
	t.outcome(outcome)
	r.metrics.ObserveRecord(pass.Name, outcome)
	r.logger.DebugCtx(ctx, "record processed", "id", img.ID, "outcome", outcome, "changed", res.Changed)
}
