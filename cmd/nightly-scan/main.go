package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/irfndi/celebrum-quant/internal/app"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/scan"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Nightly scan failed: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("nightly-scan", pflag.ContinueOnError)
	fs.StringSlice("universe", nil, "comma-separated symbols to scan (defaults to scan.universe)")
	fs.Float64("min-robustness", 0, "minimum robustness an instrument needs to be allocated")
	fs.Int("max-positions", 0, "maximum number of positions to propose")
	fs.String("output", "", "path of the orders CSV")
	fs.String("as-of", "", "scan date as YYYY-MM-DD; bars on or after it are ignored (defaults to now)")
	return fs
}

var flagKeys = map[string]string{
	"scan.universe":       "universe",
	"scan.min_robustness": "min-robustness",
	"scan.max_positions":  "max-positions",
	"scan.output":         "output",
}

func run(args []string, stdout io.Writer) error {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.BindFlags(fs, flagKeys); err != nil {
		return err
	}
	asOfFlag, _ := fs.GetString("as-of")
	asOf, err := parseAsOf(asOfFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "nightly-scan")
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Scanner(a.LoadBandit(ctx)).Run(ctx, scan.Request{AsOf: asOf})
	if err != nil {
		a.Logger.LogShutdown("nightly-scan", err.Error())
		return err
	}
	printSummary(stdout, res)
	a.Logger.LogShutdown("nightly-scan", "completed")
	return nil
}

func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: %w", s, err)
	}
	return t.UTC(), nil
}

func printSummary(w io.Writer, res *scan.Result) {
	fmt.Fprintf(w, "scan %s as of %s: regime=%s mode=%s\n",
		res.ScanID, res.AsOf.Format(time.DateOnly), res.Regime, res.Mode)
	if res.Reason != "" {
		fmt.Fprintf(w, "scan skipped: %s\n", res.Reason)
	}
	fmt.Fprintf(w, "%d orders written to %s\n", len(res.Orders), res.Output)
	for _, o := range res.Orders {
		fmt.Fprintf(w, "  %-8s weight=%.4f score=%.2f kelly=%.4f\n", o.Symbol, o.TargetWeight, o.Score, o.KellyFraction)
	}

	if len(res.Skipped) == 0 {
		return
	}
	symbols := make([]string, 0, len(res.Skipped))
	for symbol := range res.Skipped {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	fmt.Fprintf(w, "%d instruments skipped:\n", len(symbols))
	for _, symbol := range symbols {
		fmt.Fprintf(w, "  %-8s %s\n", symbol, res.Skipped[symbol])
	}
}
