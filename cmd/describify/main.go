package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"describify/internal/config"
	"describify/internal/derive"
	"describify/internal/journal"
	"describify/internal/steps"
	"describify/internal/workspace"
)

const usageText = `describify - batch media description

Usage:
  describify run     -in <dir> -run <dir> [-steps a,b] [-set k=v]... [-watch addr]
  describify resume  -run <dir> [-watch addr]
  describify derive  -from <dir> -to <dir> [-method hardlink|symlink|copy] [-describe]
  describify status  -run <dir> [-n entries]
  describify retry-failed -run <dir>

Exit codes: 0 success, 1 failure, 2 usage error.
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "resume":
		err = cmdResume(args)
	case "derive":
		err = cmdDerive(args)
	case "status":
		err = cmdStatus(args)
	case "retry-failed":
		err = cmdRetryFailed(args)
	case "help", "-h", "--help":
		fmt.Print(usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, ue.Error())
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type usageError string

func (u usageError) Error() string { return string(u) }

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// overrideFlags collects repeated -set key=value flags into config overrides.
type overrideFlags struct {
	values config.Overrides
}

func (o *overrideFlags) String() string { return "" }

func (o *overrideFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	if o.values == nil {
		o.values = config.Overrides{}
	}
	o.values[strings.TrimSpace(k)] = val
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	in := fs.String("in", "", "source media directory (or empty with MEDIA_S3_* set)")
	runDir := fs.String("run", "", "run directory")
	cfgPath := fs.String("config", "", "config file (JSON)")
	stepsFlag := fs.String("steps", "", "comma-separated steps to run (default: all remaining)")
	watchAddr := fs.String("watch", "", "serve progress on this address, e.g. :8787")
	verbose := fs.Bool("verbose", false, "debug logging")
	var ov overrideFlags
	fs.Var(&ov, "set", "config override key=value (repeatable)")
	fs.Parse(args)

	if *runDir == "" {
		return usageError("run: -run is required")
	}
	logger := newLogger(*verbose)

	var requested []steps.StepID
	for _, s := range strings.Split(*stepsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			requested = append(requested, steps.StepID(s))
		}
	}

	p, err := newPipeline(*runDir, *cfgPath, ov.values, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Run(signalContext(p), *in, requested, *watchAddr)
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	runDir := fs.String("run", "", "run directory")
	cfgPath := fs.String("config", "", "config file (JSON)")
	watchAddr := fs.String("watch", "", "serve progress on this address")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	if *runDir == "" {
		return usageError("resume: -run is required")
	}
	logger := newLogger(*verbose)

	p, err := newPipeline(*runDir, *cfgPath, nil, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Resume(signalContext(p), *watchAddr)
}

func cmdDerive(args []string) error {
	fs := flag.NewFlagSet("derive", flag.ExitOnError)
	from := fs.String("from", "", "source run directory")
	to := fs.String("to", "", "target run directory")
	method := fs.String("method", "", "hardlink, symlink or copy (default: hardlink with copy fallback)")
	describe := fs.Bool("describe", false, "run describe and render-report immediately")
	cfgPath := fs.String("config", "", "config file (JSON)")
	verbose := fs.Bool("verbose", false, "debug logging")
	var ov overrideFlags
	fs.Var(&ov, "set", "config override key=value (repeatable)")
	fs.Parse(args)

	if *from == "" || *to == "" {
		return usageError("derive: -from and -to are required")
	}
	logger := newLogger(*verbose)

	res, err := derive.Run(derive.Options{
		SourceDir: *from,
		TargetDir: *to,
		Method:    derive.Method(*method),
	}, logger)
	if err != nil {
		return err
	}
	fmt.Printf("derived %s: reused %d steps via %s, %d items to describe\n",
		*to, len(res.ReusedSteps), res.Method, res.Items)

	if !*describe {
		fmt.Printf("next: describify run -run %s\n", *to)
		return nil
	}
	p, err := newPipeline(*to, *cfgPath, ov.values, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Run(signalContext(p), "", []steps.StepID{steps.StepDescribe, steps.StepReport}, "")
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runDir := fs.String("run", "", "run directory")
	n := fs.Int("n", 10, "journal entries to show")
	fs.Parse(args)

	if *runDir == "" {
		return usageError("status: -run is required")
	}

	store := workspace.NewStore(filepath.Join(*runDir, steps.SnapshotFile))
	ws, err := store.Load()
	if errors.Is(err, workspace.ErrNotFound) {
		fmt.Println("no workspace snapshot; run has not started")
		return nil
	}
	if err != nil {
		return err
	}

	counts := ws.Counts()
	fmt.Printf("items: %d\n", len(ws.Items))
	for _, st := range []workspace.ItemState{
		workspace.StateCompleted, workspace.StateFailed, workspace.StatePending,
		workspace.StateProcessing, workspace.StatePaused, workspace.StateNone,
	} {
		if counts[st] > 0 {
			fmt.Printf("  %-10s %d\n", st, counts[st])
		}
	}
	switch {
	case ws.Resumable():
		fmt.Printf("batch: interrupted (%s/%s), resume with: describify resume -run %s\n",
			ws.Batch.Provider, ws.Batch.Model, *runDir)
	case ws.Batch != nil:
		fmt.Printf("batch: active (%s/%s)\n", ws.Batch.Provider, ws.Batch.Model)
	default:
		fmt.Println("batch: none")
	}
	if ws.Provenance.DerivedFrom != "" {
		fmt.Printf("derived from: %s\n", ws.Provenance.DerivedFrom)
	}

	done := steps.InferCompleted(*runDir)
	var completed []string
	for _, s := range steps.Order {
		if done[s] {
			completed = append(completed, string(s))
		}
	}
	fmt.Printf("completed steps: %s\n", strings.Join(completed, ", "))

	jrnl := journal.NewFromEnv(filepath.Join(*runDir, "journal.json"))
	defer jrnl.Close()
	entries, err := jrnl.List(*runDir, *n)
	if err == nil && len(entries) > 0 {
		fmt.Println("recent activity:")
		for _, e := range entries {
			line := fmt.Sprintf("  %s %s", e.At.Format(time.RFC3339), e.Type)
			if e.ItemPath != "" {
				line += " " + filepath.Base(e.ItemPath)
			}
			if e.Detail != "" {
				line += " (" + e.Detail + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func cmdRetryFailed(args []string) error {
	fs := flag.NewFlagSet("retry-failed", flag.ExitOnError)
	runDir := fs.String("run", "", "run directory")
	cfgPath := fs.String("config", "", "config file (JSON)")
	verbose := fs.Bool("verbose", false, "debug logging")
	var ov overrideFlags
	fs.Var(&ov, "set", "config override key=value (repeatable)")
	fs.Parse(args)

	if *runDir == "" {
		return usageError("retry-failed: -run is required")
	}
	logger := newLogger(*verbose)

	p, err := newPipeline(*runDir, *cfgPath, ov.values, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.RetryFailed(signalContext(p))
}

// signalContext cancels on the second interrupt; the first one asks the
// dispatcher to pause at the next item boundary so the run stays resumable.
func signalContext(p *pipeline) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		p.logger.Info("interrupt: pausing at next item boundary (interrupt again to abort)")
		p.pause()
		<-sigCh
		cancel()
	}()
	return ctx
}
