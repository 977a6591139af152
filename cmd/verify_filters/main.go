// Command verify_filters checks filter behavior against the live archive:
// adding a constraint never widens a result set, and filter values match
// regardless of case.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/app"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

type check struct {
	Name   string
	Passed bool
	Detail string
}

type verifier struct {
	store store.Store
	b     *query.Builder
	vocab *metadata.Vocabulary
	car   model.Ref
}

func (v *verifier) count(ctx context.Context, filters map[metadata.Field]string) (int64, error) {
	return v.store.CountImages(ctx, v.b.Build(query.Request{CarID: v.car, Filters: filters}))
}

func describe(filters map[metadata.Field]string) string {
	var parts []string
	for _, f := range metadata.FilterableFields {
		if val, ok := filters[f]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", f, val))
		}
	}
	return strings.Join(parts, " AND ")
}

// chains builds, for every angle value, a filter chain that adds the first
// vocabulary value of each further field in turn.
func (v *verifier) chains() [][]map[metadata.Field]string {
	var out [][]map[metadata.Field]string
	for _, angle := range v.vocab.Values(metadata.FieldAngle) {
		cur := map[metadata.Field]string{metadata.FieldAngle: angle}
		chain := []map[metadata.Field]string{cur}
		for _, f := range metadata.FilterableFields[1:] {
			values := v.vocab.Values(f)
			if len(values) == 0 {
				continue
			}
			next := make(map[metadata.Field]string, len(cur)+1)
			for k, val := range cur {
				next[k] = val
			}
			next[f] = values[0]
			chain = append(chain, next)
			cur = next
		}
		out = append(out, chain)
	}
	return out
}

// monotonicity checks |F2| <= |F1| and F2 ⊆ F1, the latter by counting
// F1 AND F2.
func (v *verifier) monotonicity(ctx context.Context) ([]check, error) {
	var checks []check
	for _, chain := range v.chains() {
		for i := 1; i < len(chain); i++ {
			wide, narrow := chain[i-1], chain[i]
			nWide, err := v.count(ctx, wide)
			if err != nil {
				return nil, err
			}
			nNarrow, err := v.count(ctx, narrow)
			if err != nil {
				return nil, err
			}
			both := query.Conj(
				v.b.Build(query.Request{CarID: v.car, Filters: wide}),
				v.b.Build(query.Request{CarID: v.car, Filters: narrow}),
			)
			nBoth, err := v.store.CountImages(ctx, both)
			if err != nil {
				return nil, err
			}
			checks = append(checks, check{
				Name:   "subset " + describe(narrow),
				Passed: nNarrow <= nWide && nBoth == nNarrow,
				Detail: fmt.Sprintf("%d <= %d, intersection %d", nNarrow, nWide, nBoth),
			})
		}
	}
	return checks, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (v *verifier) caseVariants(ctx context.Context) ([]check, error) {
	var checks []check
	for _, f := range metadata.FilterableFields {
		for _, val := range v.vocab.Values(f) {
			base, err := v.count(ctx, map[metadata.Field]string{f: strings.ToLower(val)})
			if err != nil {
				return nil, err
			}
			passed := true
			counts := []string{fmt.Sprint(base)}
			for _, variant := range []string{strings.ToUpper(val), titleCase(val)} {
				n, err := v.count(ctx, map[metadata.Field]string{f: variant})
				if err != nil {
					return nil, err
				}
				counts = append(counts, fmt.Sprint(n))
				passed = passed && n == base
			}
			checks = append(checks, check{
				Name:   fmt.Sprintf("case %s=%s", f, val),
				Passed: passed,
				Detail: strings.Join(counts, "/"),
			})
		}
	}
	return checks, nil
}

func (v *verifier) run(ctx context.Context) ([]check, error) {
	mono, err := v.monotonicity(ctx)
	if err != nil {
		return nil, err
	}
	cases, err := v.caseVariants(ctx)
	if err != nil {
		return nil, err
	}
	return append(mono, cases...), nil
}

func report(w io.Writer, checks []check) (failed int) {
	for _, c := range checks {
		status := "PASS"
		if !c.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(w, "%s  %-50s %s\n", status, c.Name, c.Detail)
	}
	fmt.Fprintf(w, "\n%d checks, %d failed\n", len(checks), failed)
	return failed
}

func main() {
	var configPath, car string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&car, "car", "", "Restrict to one car id")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	a, err := app.Open(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open archive: %v\n", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	v := &verifier{store: a.Store, b: a.Builder(), vocab: a.Rules().Vocabulary}
	if car != "" {
		if v.car, err = model.ParseRef(car); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	checks, err := v.run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification aborted: %v\n", err)
		os.Exit(1)
	}
	if report(os.Stdout, checks) > 0 {
		os.Exit(1)
	}
}
