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
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"stageload/internal/catalog"
	"stageload/internal/config"
	"stageload/internal/datasource"
	"stageload/internal/datasource/httpds"
	"stageload/internal/destination"
	"stageload/internal/logging"
	"stageload/internal/naming"
	"stageload/internal/pipeline"
	"stageload/internal/record"
	"stageload/internal/staging"
	"stageload/internal/typing"
	"stageload/internal/writeplan"

	// register all backends with the destination registry.
	_ "stageload/internal/destination/all"
)

// main is the entry point of the record consumer. It reads JSONL messages,
// drives one sync run, and writes acknowledged states to stdout.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, errValidOnly) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stageload: %v\n", err)
		os.Exit(1)
	}
}

// errValidOnly ends a -validate run that found no errors.
var errValidOnly = errors.New("configuration is valid")

type flags struct {
	cfgPath        string
	catalogPath    string
	inputPath      string
	metricsBackend string
	pushGatewayURL string
	datadogAddr    string
	validate       bool
	verbose        bool
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("stageload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.cfgPath, "config", "stageload.json", "run config path (JSON or YAML)")
	fs.StringVar(&f.catalogPath, "catalog", "catalog.json", "configured catalog JSON path")
	fs.StringVar(&f.inputPath, "input", "-", "JSONL message input: -, a file path or an http(s) URL; .gz is decompressed")
	fs.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend (pushgateway, datadog, none); overrides config and env METRICS_BACKEND")
	fs.StringVar(&f.pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&f.datadogAddr, "datadog-addr", "", "DogStatsD address (overrides env DD_AGENT_HOST)")
	fs.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.verbose, "v", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.cfgPath)
	if err != nil {
		return err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration is invalid: %s", f.cfgPath)
	}
	if f.validate {
		fmt.Fprintf(stderr, "configuration is valid: %s\n", f.cfgPath)
		return errValidOnly
	}

	level := cfg.Logging.Level
	if f.verbose {
		level = "debug"
	}
	log, err := logging.New(logging.Options{Level: level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("job", cfg.Job))

	flushMetrics := setupMetrics(cfg, f, log)
	defer flushMetrics()

	plan, err := buildPlan(cfg, f.catalogPath, log)
	if err != nil {
		return err
	}

	dest, err := destination.New(ctx, destination.Config{
		Kind:     cfg.Destination.Kind,
		DSN:      cfg.Destination.DSN,
		MaxConns: cfg.Destination.Options.Int("max_conns", 0),
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer func() {
		if cerr := dest.Close(); cerr != nil {
			log.Warn("close destination", zap.Error(cerr))
		}
	}()

	stageDir := cfg.Runtime.StageDir
	if stageDir == "" {
		dir, err := os.MkdirTemp("", "stageload-")
		if err != nil {
			return fmt.Errorf("create stage dir: %w", err)
		}
		defer os.RemoveAll(dir)
		stageDir = dir
	}

	in, err := datasource.Open(ctx, f.inputPath, stdin, httpds.NewClient(httpds.Config{}))
	if err != nil {
		return err
	}
	defer in.Close()

	enc := json.NewEncoder(stdout)
	p, err := pipeline.New(pipeline.Deps{
		Plan:    plan,
		Staging: &staging.Operations{Store: staging.NewLocalStore(stageDir), Loader: dest, Log: log},
		Typer:   dest,
		Valve:   newValve(cfg.Runtime),
		Sink: func(m record.Message) {
			if err := enc.Encode(m); err != nil {
				log.Error("write state", zap.Error(err))
			}
		},
		Logger: log,
		Job:    cfg.Job,
	}, pipeline.Options{
		MemoryBudget:          cfg.Runtime.MemoryBudgetBytes,
		OptimalBatchSize:      cfg.Runtime.OptimalBatchBytes,
		FlushWorkers:          cfg.Runtime.FlushWorkers,
		MaxBatchAge:           cfg.Runtime.MaxBatchAge.Std(),
		PurgeStagingOnSuccess: cfg.Runtime.Purge(),
	})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := p.Start(ctx); err != nil {
		return err
	}
	consumeErr := consume(ctx, p, record.NewDecoder(in))
	closeErr := p.Close(context.WithoutCancel(ctx))
	if err := errors.Join(consumeErr, closeErr); err != nil {
		return err
	}
	log.Info("sync completed",
		zap.Int("streams", len(plan)),
		zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)),
	)
	return nil
}

// consume feeds every decoded message to p until EOF or the first error.
func consume(ctx context.Context, p *pipeline.Pipeline, dec *record.Decoder) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.Accept(ctx, msg); err != nil {
			return err
		}
	}
}

func buildPlan(cfg config.Config, catalogPath string, log *zap.Logger) ([]writeplan.WriteConfig, error) {
	fh, err := os.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer fh.Close()
	cat, err := catalog.Decode(fh)
	if err != nil {
		return nil, err
	}

	scheme, err := writeplan.ParseNamingScheme(cfg.Naming.Scheme)
	if err != nil {
		return nil, err
	}
	resolver := naming.NewStandard(cfg.Naming.MaxIdentifierLength)

	var lookup catalog.Lookup
	if scheme == writeplan.SchemeCurrent {
		parsed, err := catalog.Parse(cat, resolver, catalog.ParseOptions{
			DefaultNamespace: cfg.Naming.DefaultSchema,
			NamespaceFormat:  cfg.Naming.NamespaceFormat,
			RawNamespace:     cfg.Naming.RawNamespace,
			RawNameFormat:    cfg.Naming.RawNameFormat,
			StreamPrefix:     cfg.Naming.StreamPrefix,
		})
		if err != nil {
			return nil, err
		}
		lookup = parsed
	}

	plan, err := writeplan.Build(writeplan.NewRunContext(clock.WallClock), cat, resolver, lookup,
		writeplan.BuildOptions{DefaultSchema: cfg.Naming.DefaultSchema, Scheme: scheme}, log)
	if err != nil {
		return nil, err
	}
	// Reject colliding plans before any destination connection is opened.
	if err := writeplan.DetectCollisions(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func newValve(r config.Runtime) *typing.Valve {
	intervals := make([]time.Duration, len(r.TypingIntervals))
	for i, d := range r.TypingIntervals {
		intervals[i] = d.Std()
	}
	return typing.NewValve(typing.ValveOptions{
		Disabled:   r.DisableIncrementalTyping,
		Intervals:  intervals,
		MinNewRows: r.TypingMinNewRows,
	}, nil)
}

// pick returns the first non-empty value.
func pick(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
