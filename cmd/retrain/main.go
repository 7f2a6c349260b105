package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irfndi/celebrum-quant/internal/app"
	"github.com/irfndi/celebrum-quant/internal/cache"
	"github.com/irfndi/celebrum-quant/internal/config"
	"github.com/irfndi/celebrum-quant/internal/governance"
	"github.com/irfndi/celebrum-quant/internal/learning"
	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/spf13/pflag"
)

// LockPrefix namespaces the per-mode retrain locks in Redis.
const LockPrefix = "celebrum:lock:"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Retrain failed: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("retrain", pflag.ContinueOnError)
	fs.StringSlice("mode", nil, "modes to retrain: SAFE, AGGRESSIVE (defaults to both)")
	fs.Bool("skip-governance", false, "do not re-evaluate strategy health after retraining")
	fs.String("artifact-dir", "", "directory receiving model artifacts")
	return fs
}

var flagKeys = map[string]string{
	"learning.artifact_dir": "artifact-dir",
}

func parseModes(names []string) ([]models.Mode, error) {
	if len(names) == 0 {
		return models.AllModes, nil
	}
	modes := make([]models.Mode, 0, len(names))
	for _, name := range names {
		mode, err := models.ParseMode(name)
		if err != nil {
			return nil, err
		}
		modes = append(modes, mode)
	}
	return modes, nil
}

func run(args []string, stdout io.Writer) error {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.BindFlags(fs, flagKeys); err != nil {
		return err
	}
	names, _ := fs.GetStringSlice("mode")
	modes, err := parseModes(names)
	if err != nil {
		return err
	}
	skipGovernance, _ := fs.GetBool("skip-governance")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	lockTTL, err := app.ParseDuration(cfg.Learning.LockTTL, 30*time.Minute)
	if err != nil {
		return fmt.Errorf("learning.lock_ttl: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "retrain")
	if err != nil {
		return err
	}
	defer a.Close()

	trainer := learning.NewTrainer(cfg.Learning, a.Outcomes, a.Logger,
		learning.WithLocker(cache.NewLocker(a.Redis.Client, LockPrefix, lockTTL)),
		learning.WithRecorder(a.Metrics),
		learning.WithTracer(a.Tracer),
	)

	// Modes are independent; one failing does not stop the other.
	var errs []error
	for _, mode := range modes {
		res, err := trainer.RetrainIfNeeded(ctx, mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("retrain %s: %w", mode, err))
			continue
		}
		printRetrain(stdout, res)
	}

	if !skipGovernance {
		monitor, err := a.Governance()
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, mode := range modes {
			report, err := monitor.Check(ctx, mode)
			if err != nil {
				errs = append(errs, fmt.Errorf("governance %s: %w", mode, err))
				continue
			}
			printGovernance(stdout, report)
		}
	}

	err = errors.Join(errs...)
	reason := "completed"
	if err != nil {
		reason = err.Error()
	}
	a.Logger.LogShutdown("retrain", reason)
	return err
}

func printRetrain(w io.Writer, res learning.RetrainResult) {
	switch {
	case !res.Trained:
		fmt.Fprintf(w, "%s: skipped (%s)\n", res.Mode, res.SkipReason)
	case res.Metrics == nil:
		fmt.Fprintf(w, "%s: trained, promoted=%t\n", res.Mode, res.Promoted)
	default:
		fmt.Fprintf(w, "%s: trained %s auc=%.3f p@3=%.3f promoted=%t\n",
			res.Mode, res.Metrics.ModelID, res.Metrics.AUC, res.Metrics.PrecisionAt3, res.Promoted)
	}
}

func printGovernance(w io.Writer, report governance.Report) {
	h := report.Health
	fmt.Fprintf(w, "%s: health=%.0f status=%s lifecycle=%s", h.Mode, h.Score, h.Status, report.State.Status)
	if h.InsufficientData {
		fmt.Fprint(w, " (insufficient data)")
	}
	if report.Changed {
		fmt.Fprint(w, " [changed]")
	}
	fmt.Fprintln(w)
}
