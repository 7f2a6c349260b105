package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irfndi/celebrum-quant/internal/app"
	"github.com/irfndi/celebrum-quant/internal/backtest"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/marketdata"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Backtest failed: %v\n", err)
		os.Exit(1)
	}
}

// period is one backtest range, End exclusive.
type period struct {
	Start, End time.Time
}

type options struct {
	universe []string
	periods  []period
	output   string
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("backtest", pflag.ContinueOnError)
	fs.StringSlice("universe", nil, "comma-separated symbols (defaults to scan.universe)")
	fs.String("start", "", "first test date, YYYY-MM-DD")
	fs.String("end", "", "exclusive end date, YYYY-MM-DD (defaults to today)")
	fs.StringSlice("periods", nil, "independent ranges run in parallel, each START:END")
	fs.String("output", "", "write the JSON results here instead of stdout")
	fs.Int("max-positions", 0, "positions held per window")
	fs.Float64("cost-bps", 0, "one-way transaction cost in basis points")
	return fs
}

var flagKeys = map[string]string{
	"backtest.max_positions": "max-positions",
	"backtest.cost_bps":      "cost-bps",
}

func parseOptions(fs *pflag.FlagSet, now time.Time) (options, error) {
	var opts options
	opts.universe, _ = fs.GetStringSlice("universe")
	opts.output, _ = fs.GetString("output")

	ranges, _ := fs.GetStringSlice("periods")
	for _, r := range ranges {
		from, to, ok := strings.Cut(r, ":")
		if !ok {
			return opts, fmt.Errorf("invalid period %q, want START:END", r)
		}
		p, err := parsePeriod(from, to, now)
		if err != nil {
			return opts, err
		}
		opts.periods = append(opts.periods, p)
	}
	if len(opts.periods) > 0 {
		return opts, nil
	}

	start, _ := fs.GetString("start")
	end, _ := fs.GetString("end")
	if start == "" {
		return opts, fmt.Errorf("--start or --periods is required")
	}
	p, err := parsePeriod(start, end, now)
	if err != nil {
		return opts, err
	}
	opts.periods = []period{p}
	return opts, nil
}

func parsePeriod(from, to string, now time.Time) (period, error) {
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return period{}, fmt.Errorf("invalid start date %q: %w", from, err)
	}
	end := now.UTC().Truncate(24 * time.Hour)
	if to != "" {
		if end, err = time.Parse(time.DateOnly, to); err != nil {
			return period{}, fmt.Errorf("invalid end date %q: %w", to, err)
		}
	}
	if !end.After(start) {
		return period{}, fmt.Errorf("end %s must be after start %s", end.Format(time.DateOnly), from)
	}
	return period{Start: start, End: end}, nil
}

func run(args []string, stdout io.Writer) error {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.BindFlags(fs, flagKeys); err != nil {
		return err
	}
	opts, err := parseOptions(fs, time.Now())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(opts.universe) == 0 {
		opts.universe = cfg.Scan.Universe
	}
	for i, symbol := range opts.universe {
		opts.universe[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
	if len(opts.universe) == 0 {
		return fmt.Errorf("empty universe: pass --universe or set scan.universe")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "backtest")
	if err != nil {
		return err
	}
	defer a.Close()

	// Training windows need history ahead of the first test date.
	warmup := cfg.MarketData.LookbackDays
	inputs, err := loadInputs(ctx, a.Source, opts, warmup)
	if err != nil {
		return err
	}

	results, err := a.Backtester().RunMany(ctx, inputs)
	if err != nil {
		a.Logger.LogShutdown("backtest", err.Error())
		return err
	}

	w := stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", opts.output, err)
		}
		defer f.Close()
		w = f
	}
	if err := writeResults(w, results); err != nil {
		return err
	}
	a.Logger.LogShutdown("backtest", "completed")
	return nil
}

// loadInputs fetches each period's history once, warmupDays calendar days
// ahead of its start.
func loadInputs(ctx context.Context, source marketdata.Adapter, opts options, warmupDays int) ([]backtest.Input, error) {
	inputs := make([]backtest.Input, 0, len(opts.periods))
	for _, p := range opts.periods {
		from := p.Start.AddDate(0, 0, -warmupDays)
		history, err := source.GetPriceHistory(ctx, opts.universe, from, p.End)
		if err != nil {
			return nil, err
		}
		bench, vol, err := source.GetBenchmarkAndVolatility(ctx, from, p.End)
		if err != nil {
			return nil, err
		}
		universe := make([]models.PriceSeries, 0, len(history))
		for _, symbol := range opts.universe {
			if series, ok := history[symbol]; ok {
				universe = append(universe, series)
			}
		}
		inputs = append(inputs, backtest.Input{
			Universe:   universe,
			Benchmark:  bench,
			Volatility: vol,
			Start:      p.Start,
			End:        p.End,
		})
	}
	return inputs, nil
}

func writeResults(w io.Writer, results []*models.BacktestResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if len(results) == 1 {
		return enc.Encode(results[0])
	}
	return enc.Encode(results)
}
