package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/api"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/app"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/batch"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/delivery"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/indexes"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/watch"
	"github.com/andrewrbrady/motive-archive-manager-sub001/pkg/mcp"
)

var version = "dev"

var errUnexpectedArgument = errors.New("unexpected argument")

const (
	exitOK        = 0
	exitFatal     = 1
	exitThreshold = 2
)

type options struct {
	configPath    string
	car           string
	dryRun        bool
	mode          string
	limit         int64
	workers       int
	jsonOut       bool
	fallback      bool
	deleteOrphans bool
	metricsFile   string
	apply         bool
	search        string
	filters       map[metadata.Field]*string
}

func newFlagSet(name string, o *options) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to config file")
	fs.StringVar(&o.car, "car", "", "Restrict to one car id")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Report what would change without writing")
	fs.StringVar(&o.mode, "mode", "full", "full or partial")
	fs.Int64Var(&o.limit, "limit", 0, "Maximum records to visit (partial mode) or return (query)")
	fs.IntVar(&o.workers, "workers", 0, "Concurrent workers (default from config)")
	fs.BoolVar(&o.jsonOut, "json", false, "Print JSON instead of text")
	fs.BoolVar(&o.fallback, "fallback", false, "inherit: use processing defaults for unresolvable originals")
	fs.BoolVar(&o.deleteOrphans, "delete-orphans", false, "orphans: delete images whose car does not exist")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	fs.BoolVar(&o.apply, "apply", false, "plan-indexes: declare the indexes")
	fs.StringVar(&o.search, "q", "", "query: free-text search")
	o.filters = make(map[metadata.Field]*string)
	for _, f := range metadata.FilterableFields {
		o.filters[f] = fs.String(string(f), "", "query: filter on "+string(f))
	}
	return fs
}

// parseArgs parses the flags of cmd. Only serve takes a positional argument,
// its mode, before the flags; anything else left over is an error.
func parseArgs(cmd string, rest []string) (*options, string, error) {
	o := &options{}
	fs := newFlagSet(cmd, o)
	var positional string
	if cmd == "serve" && len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		positional, rest = rest[0], rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return nil, "", err
	}
	if fs.NArg() > 0 {
		return nil, "", fmt.Errorf("%s: %w %q", cmd, errUnexpectedArgument, fs.Arg(0))
	}
	return o, positional, nil
}

// indexDryRun reports whether plan-indexes only lists the plan. -dry-run
// wins over -apply.
func (o *options) indexDryRun() bool {
	return o.dryRun || !o.apply
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return exitFatal
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Println("archivectl " + version)
		return exitOK
	case "help", "-h", "--help":
		printHelp()
		return exitOK
	}

	o, positional, err := parseArgs(cmd, rest)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		// The flag set already reported its own parse errors.
		if errors.Is(err, errUnexpectedArgument) {
			fmt.Fprintln(os.Stderr, err)
		}
		return exitFatal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFatal
	}
	logger := app.NewLogger(cfg)
	for _, w := range config.Validate(cfg) {
		logger.Warn("config", "warning", w)
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open archive", "error", err)
		return exitFatal
	}
	defer a.Close(context.Background())

	code := dispatch(ctx, a, cmd, positional, o)
	if o.metricsFile != "" {
		if err := a.Metrics.WriteFile(o.metricsFile); err != nil {
			logger.Warn("failed to write metrics", "path", o.metricsFile, "error", err)
		}
	}
	return code
}

func dispatch(ctx context.Context, a *app.App, cmd, positional string, o *options) int {
	switch cmd {
	case "report":
		return reportCmd(ctx, a, o)
	case "query":
		return queryCmd(ctx, a, o)
	case "plan-indexes":
		return indexesCmd(ctx, a, o)
	case "sync-delivery":
		return syncCmd(ctx, a, o)
	case "serve":
		return serveCmd(ctx, a, positional)
	}
	for _, name := range app.PassNames {
		if cmd == name {
			return passCmd(ctx, a, name, o)
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
	printHelp()
	return exitFatal
}

func carRef(o *options) (model.Ref, error) {
	if strings.TrimSpace(o.car) == "" {
		return "", nil
	}
	return model.ParseRef(o.car)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reportCmd(ctx context.Context, a *app.App, o *options) int {
	car, err := carRef(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	rep, err := a.Reporter().Report(ctx, car)
	if err != nil {
		a.Logger.Error("coverage report failed", "error", err)
		return exitFatal
	}
	if o.jsonOut {
		err = rep.WriteJSON(os.Stdout)
	} else {
		err = rep.WriteText(os.Stdout)
	}
	if err != nil {
		return exitFatal
	}
	return exitOK
}

func passCmd(ctx context.Context, a *app.App, name string, o *options) int {
	car, err := carRef(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	mode, err := batch.ParseMode(o.mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	opts := a.BatchOptions(batch.Options{
		CarID:   car,
		DryRun:  o.dryRun,
		Mode:    mode,
		Limit:   o.limit,
		Workers: o.workers,
	})
	summary, err := a.RunPass(ctx, name, opts, app.PassFlags{Fallback: o.fallback, DeleteOrphans: o.deleteOrphans})
	if err != nil {
		a.Logger.Error("pass aborted", "pass", name, "error", err)
		return exitFatal
	}

	if o.jsonOut {
		_ = printJSON(os.Stdout, summary)
	} else {
		fmt.Println(summary.String())
		for _, e := range summary.Errors {
			fmt.Printf("  %s: %s\n", e.ID, e.Error)
		}
	}
	if summary.ExceedsThreshold(opts.ErrorThreshold) {
		a.Logger.Error("error rate above threshold", "pass", name,
			"rate", summary.ErrorRate(), "threshold", opts.ErrorThreshold)
		return exitThreshold
	}
	return exitOK
}

func queryCmd(ctx context.Context, a *app.App, o *options) int {
	params := app.QueryParams{
		CarID:   o.car,
		Search:  o.search,
		Limit:   o.limit,
		Filters: make(map[string]string),
	}
	for f, v := range o.filters {
		if *v != "" {
			params.Filters[string(f)] = *v
		}
	}
	res, err := a.QueryImages(ctx, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	if o.jsonOut {
		_ = printJSON(os.Stdout, res)
		return exitOK
	}
	fmt.Printf("%s\n%d of %d images\n", res.Filter, res.Count, res.Total)
	if len(res.Unknown) > 0 {
		fmt.Printf("values outside the vocabulary for: %s\n", strings.Join(res.Unknown, ", "))
	}
	for _, img := range res.Images {
		fmt.Printf("%s\t%s\t%s\t%s\n", img.ID, img.State, img.Pattern, img.URL)
	}
	return exitOK
}

func indexesCmd(ctx context.Context, a *app.App, o *options) int {
	results, err := a.Indexes().Apply(ctx, indexes.Plan(metadata.FilterableFields), o.indexDryRun())
	if err != nil {
		a.Logger.Error("index declaration failed", "error", err)
		return exitFatal
	}
	if o.jsonOut {
		_ = printJSON(os.Stdout, results)
	} else {
		for _, r := range results {
			fmt.Printf("%-10s %s\n", r.Outcome, r.Name)
		}
	}
	if indexes.Conflicts(results) > 0 {
		return exitThreshold
	}
	return exitOK
}

func syncCmd(ctx context.Context, a *app.App, o *options) int {
	car, err := carRef(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	syncer, err := a.Syncer()
	if err != nil {
		if errors.Is(err, delivery.ErrNotConfigured) {
			fmt.Fprintln(os.Stderr, "Delivery credentials are missing: set CLOUDFLARE_ACCOUNT_ID and CLOUDFLARE_API_TOKEN")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return exitFatal
	}
	summary, err := syncer.Run(ctx, delivery.Options{CarID: car, DryRun: o.dryRun})
	if err != nil {
		a.Logger.Error("delivery sync failed", "error", err)
		return exitFatal
	}
	if o.jsonOut {
		_ = printJSON(os.Stdout, summary)
	} else {
		fmt.Println(summary.String())
	}
	return exitOK
}

func serveCmd(ctx context.Context, a *app.App, mode string) int {
	if mode == "" {
		mode = a.Config.Server.Mode
	}
	if a.Config.Server.Watch {
		if a.Config.Path == "" {
			a.Logger.Warn("server.watch is set but no config file was loaded; hot reload disabled")
		} else {
			w, err := watch.NewWatcher(watch.Config{
				Path:       a.Config.Path,
				Initial:    a.Rules(),
				Logger:     a.Logger,
				OnReload:   a.SetRules,
				DebounceMs: a.Config.Server.DebounceMs,
			})
			if err != nil {
				a.Logger.Error("failed to start config watcher", "error", err)
				return exitFatal
			}
			defer w.Stop()
			go func() {
				if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.Logger.Warn("config watcher stopped", "error", err)
				}
			}()
		}
	}

	mcpServer := mcp.NewServer(mcp.ServerConfig{App: a, Version: version})
	var err error
	switch mode {
	case "stdio":
		err = mcpServer.ServeStdio(ctx)
	case "http":
		err = api.NewServer(a, mcpServer, a.Config.Server.Port).Serve(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s (want stdio or http)\n", mode)
		return exitFatal
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("server error", "error", err)
		return exitFatal
	}
	return exitOK
}

func printHelp() {
	fmt.Println(`archivectl - image metadata reconciliation for the car archive

Commands:
  report              Coverage of filterable metadata (per car with -car)
  query               Find images (-angle -view -movement -tod -side -q -limit)
  inherit             Copy metadata from originals to derived images
  apply-defaults      Apply processing defaults to unresolvable derived images
  flatten             Copy nested-only metadata to the top level
  normalize-car-ids   Store car references as identifiers
  dedupe              Remove duplicate images (same car and url), keeping the oldest
  orphans             Report (or with -delete-orphans delete) images without a car
  plan-indexes        List the filter indexes (-apply to declare them; -dry-run overrides -apply)
  sync-delivery       Fetch image metadata from the delivery service
  serve [stdio|http]  Serve MCP tools (and the HTTP API in http mode)
  version             Show version
  help                Show this help

Options:
  -config           Path to config file
  -car              Restrict to one car id
  -dry-run          Report what would change without writing
  -mode             full or partial (default: full)
  -limit            Maximum records to visit in partial mode
  -workers          Concurrent workers
  -json             Print JSON
  -fallback         inherit: fall back to processing defaults
  -delete-orphans   orphans: delete instead of report
  -metrics-file     Write Prometheus metrics after the run

Exit codes:
  0  success
  1  fatal error or store unreachable
  2  error rate above batch.error_threshold (or index conflicts)

Environment Variables:
  MONGODB_URI, MONGODB_DB           MongoDB connection
  ARCHIVE_DB_BACKEND                mongodb, surrealdb or memory
  ARCHIVE_SURREALDB_URL             SurrealDB connection URL
  ARCHIVE_WORKERS                   Worker count
  ARCHIVE_ERROR_THRESHOLD           Error rate that fails a run
  ARCHIVE_LOG_LEVEL                 debug, info, warn or error
  CLOUDFLARE_ACCOUNT_ID             Delivery account
  CLOUDFLARE_API_TOKEN              Delivery API token`)
}
