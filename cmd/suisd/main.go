// suisd - Spatial input arbitration daemon
//
// suisd runs the frame loop that ranks input handlers by field distance, delivers
// input events and keeps track of which handler holds which input method:
//
//	suisd run               Run the engine (with a demo scene by default)
//	suisd validate          Check a configuration file
//	suisd config <action>   Write or show the configuration
//	suisd journal <action>  Inspect the dispatch journal
//	suisd datamap <file>    Check an encoded datamap
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"suis/internal/config"
	"suis/internal/datamap"
	"suis/internal/engine"
	"suis/internal/health"
	"suis/internal/input"
	"suis/internal/logging"
	"suis/internal/metrics"
	"suis/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "validate":
		cmdValidate()
	case "config":
		cmdConfig()
	case "journal":
		cmdJournal()
	case "datamap":
		cmdDatamap()
	case "version":
		fmt.Printf("suisd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`suisd - Spatial Input Arbitration

USAGE:
    suisd <command> [options]

COMMANDS:
    run                 Run the frame loop
    validate            Validate a configuration file
    config <action>     Manage configuration (init, show)
    journal <action>    Inspect the dispatch journal (stats, verify, frame, transitions, migrations)
    datamap <file>      Check an encoded datamap against limits and schemas
    version             Show version
    help                Show this help message

RUN OPTIONS:
    -config <path>      Configuration file (default: search standard locations)
    -demo=false         Start without the demo scene
    -for <duration>     Stop after this long

ENVIRONMENT:
    SUIS_DATA_DIR, SUIS_FRAME_RATE, SUIS_WORKERS, SUIS_HANDLER_TIMEOUT_MS,
    SUIS_RANKING_POLICY, SUIS_RAY_MARCH, SUIS_JOURNAL_ENABLED, SUIS_JOURNAL_PATH,
    SUIS_METRICS_ENABLED, SUIS_METRICS_ADDR, SUIS_LOG_LEVEL, SUIS_LOG_FORMAT,
    SUIS_LOG_PATH override the matching configuration keys.

ENDPOINTS (when metrics are enabled):
    /metrics            Prometheus text exposition
    /healthz            Component health (?full=true for details)
    /livez, /readyz     Liveness and readiness probes`)
}

// resolveConfigPath returns flagPath, else the first config file found, else the
// platform default.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(cfg.Logging.Format); err == nil {
		lc.Format = format
	}
	lc.Output = cfg.Logging.Output
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Component = ""
	return lc
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	demo := fs.Bool("demo", true, "Populate the demo scene")
	runFor := fs.Duration("for", 0, "Stop after this long (0 runs until signaled)")
	fs.Parse(os.Args[2:])

	path := resolveConfigPath(*configPath)
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", path, err)
		os.Exit(1)
	}

	logger, err := logging.New(loggingConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.WithComponent("suisd")

	if err := run(cfg, path, logger, *demo, *runFor, loader); err != nil {
		log.Error("suisd stopped", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, path string, logger *logging.Logger, demo bool, runFor time.Duration, loader *config.Loader) error {
	log := logger.WithComponent("suisd")
	for _, w := range config.Check(cfg).Warnings() {
		log.Warn("config warning", "field", w.Field, "message", w.Message)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	var journal *store.Store
	if cfg.Journal.Enabled {
		var err error
		journal, err = store.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
	}

	met := metrics.NewEngineMetrics(nil)
	eng, err := engine.New(cfg, engine.Options{
		ConfigPath: path,
		Logger:     logger,
		Metrics:    met,
		Journal:    journal,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	checker := health.NewChecker()
	checker.RegisterFunc("frame_loop", true, health.FrameLoopCheck(eng.LastFrame, cfg.StaleAfter()))
	if journal != nil {
		checker.RegisterFunc("journal", false, health.PingCheck("journal", journal.Ping))
	}

	loader.OnChange(func(_, next *config.Config) {
		if err := eng.ApplyConfig(next); err != nil {
			log.Warn("config reload rejected", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "path", path, "error", err)
	} else {
		defer loader.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := newServer(cfg.Metrics.ListenAddr, met, checker, logger.WithComponent("http"))
		g.Go(func() error { return srv.serve(gctx) })
	}
	if demo {
		sc, err := newScene(eng, logger.WithComponent("scene"))
		if err != nil {
			return fmt.Errorf("demo scene: %w", err)
		}
		g.Go(func() error { return sc.run(gctx, cfg.FrameInterval()) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				log.Warn("config watch", "error", err)
			}
		}
	})
	g.Go(func() error {
		checker.SetReady(true)
		defer checker.SetReady(false)
		err := eng.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	log.Info("suisd started", "version", Version, "config", path,
		"frame_rate", cfg.Engine.FrameRate, "journal", cfg.Journal.Enabled, "metrics", cfg.Metrics.Enabled)
	err = g.Wait()
	frame, _ := eng.LastFrame()
	log.Info("suisd stopped", "frames", frame)
	return err
}

func cmdValidate() {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(os.Args[2:])

	path := resolveConfigPath(*configPath)
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	cfg, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Printf("%s: invalid\n", path)
			for _, e := range verrs {
				fmt.Printf("  error:   %s: %s\n", e.Field, e.Message)
			}
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		}
		os.Exit(1)
	}

	warnings := config.Check(cfg).Warnings()
	fmt.Printf("%s: ok\n", path)
	for _, w := range warnings {
		fmt.Printf("  warning: %s: %s\n", w.Field, w.Message)
	}
}

func cmdConfig() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: suisd config <init|show> [options]")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "init":
		fs := flag.NewFlagSet("config init", flag.ExitOnError)
		output := fs.String("o", config.ConfigPath(), "Output file (format from extension)")
		force := fs.Bool("force", false, "Overwrite an existing file")
		fs.Parse(os.Args[3:])

		if _, err := os.Stat(*output); err == nil && !*force {
			fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", *output)
			os.Exit(1)
		}
		if err := config.SaveConfig(config.DefaultConfig(), *output); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", *output)

	case "show":
		fs := flag.NewFlagSet("config show", flag.ExitOnError)
		configPath := fs.String("config", "", "Configuration file")
		format := fs.String("format", "toml", "Output format: toml, yaml, json")
		fs.Parse(os.Args[3:])

		cfg, err := config.Load(resolveConfigPath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		data, err := config.Encode(cfg, "."+*format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)

	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", os.Args[2])
		os.Exit(1)
	}
}

type journalFlags struct {
	since uint64
	limit int
	args  []string
}

func openJournal(name string, args []string) (*store.Store, journalFlags) {
	fs := flag.NewFlagSet("journal "+name, flag.ExitOnError)
	dbPath := fs.String("db", "", "Journal database (default: from configuration)")
	configPath := fs.String("config", "", "Configuration file")
	since := fs.Uint64("since", 0, "First frame")
	limit := fs.Int("limit", 50, "Maximum rows (0 for all)")
	fs.Parse(args)

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(resolveConfigPath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.Journal.Path
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "No journal at %s\n", path)
		os.Exit(1)
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	return st, journalFlags{since: *since, limit: *limit, args: fs.Args()}
}

func cmdJournal() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: suisd journal <stats|verify|frame|transitions|migrations> [options]")
		os.Exit(1)
	}
	action := os.Args[2]
	st, flags := openJournal(action, os.Args[3:])
	defer st.Close()

	var err error
	switch action {
	case "stats":
		err = journalStats(st)
	case "verify":
		err = journalVerify(st)
	case "frame":
		if len(flags.args) < 1 {
			err = errors.New("usage: suisd journal frame <number>")
			break
		}
		var n uint64
		n, err = strconv.ParseUint(flags.args[0], 10, 64)
		if err == nil {
			err = journalFrame(st, n)
		}
	case "transitions":
		err = journalTransitions(st, flags.since, flags.limit)
	case "migrations":
		err = journalMigrations(st)
	default:
		err = fmt.Errorf("unknown journal action: %s", action)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		st.Close()
		os.Exit(1)
	}
}

func journalStats(st *store.Store) error {
	stats, err := st.GetStats()
	if err != nil {
		return err
	}
	fmt.Println("=== Dispatch Journal ===")
	fmt.Printf("Frames:      %d (%d aborted)\n", stats.Frames, stats.Aborted)
	if stats.Frames > 0 {
		fmt.Printf("Range:       %d - %d\n", stats.FirstFrame, stats.LastFrame)
	}
	fmt.Printf("Deliveries:  %d\n", stats.Deliveries)
	fmt.Printf("Failures:    %d\n", stats.Failures)
	fmt.Printf("Transitions: %d\n", stats.Transitions)
	return nil
}

func journalVerify(st *store.Store) error {
	bad, err := st.VerifyAllFrames()
	if err != nil {
		return err
	}
	if len(bad) == 0 {
		fmt.Println("All frames verified.")
		return nil
	}
	fmt.Printf("%d frames failed verification:\n", len(bad))
	for _, f := range bad {
		fmt.Printf("  frame %d\n", f)
	}
	return fmt.Errorf("journal integrity check failed")
}

func journalFrame(st *store.Store, n uint64) error {
	f, err := st.GetFrame(n)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("frame %d not journaled", n)
	}

	fmt.Printf("=== Frame %d ===\n", f.Frame)
	fmt.Printf("Time:      %s\n", time.Unix(0, f.TimestampNs).Format("2006-01-02 15:04:05.000"))
	fmt.Printf("Duration:  %s\n", time.Duration(f.DurationNs))
	fmt.Printf("Methods:   %d\n", f.Methods)
	fmt.Printf("Captures:  %d\n", f.Captures)
	fmt.Printf("Failures:  %d\n", f.Failures)
	if f.Aborted {
		fmt.Println("Aborted:   yes")
	}
	fmt.Printf("Digest:    %x\n", f.Digest)
	fmt.Println()

	for _, d := range f.Deliveries {
		marker := " "
		switch {
		case d.Error != "":
			marker = "!"
		case d.Captured:
			marker = "*"
		case d.ViaCapture:
			marker = ">"
		}
		fmt.Printf("%s method-%d -> handler-%d  rank %d  distance %.4f  %s",
			marker, d.Method, d.Handler, d.Order, d.Distance, time.Duration(d.LatencyNs))
		if d.Error != "" {
			fmt.Printf("  (%s)", d.Error)
		}
		fmt.Println()
	}
	return nil
}

func journalMigrations(st *store.Store) error {
	status, err := st.MigrationStatus()
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d (latest %d)\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Applied {
		fmt.Printf("  [applied] %d  %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Printf("  [pending] %d  %s\n", m.Version, m.Description)
	}
	return nil
}

func journalTransitions(st *store.Store, since uint64, limit int) error {
	ts, err := st.GetTransitions(since, limit)
	if err != nil {
		return err
	}
	for _, t := range ts {
		fmt.Printf("[%d] %-9s method-%d handler-%d", t.Frame, t.Kind, t.Method, t.Handler)
		if t.Reason != "" {
			fmt.Printf("  %s", t.Reason)
		}
		fmt.Println()
	}
	return nil
}

func cmdDatamap() {
	fs := flag.NewFlagSet("datamap", flag.ExitOnError)
	kind := fs.String("kind", "", "Method kind whose schema applies (pointer, hand, tip)")
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: suisd datamap <file> [-kind pointer|hand|tip]")
		os.Exit(1)
	}

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading datamap: %v\n", err)
		os.Exit(1)
	}

	limits := datamap.Limits{MaxBytes: cfg.Datamap.MaxBytes, MaxDepth: cfg.Datamap.MaxDepth}
	m, err := limits.Parse(raw)
	if err == nil && *kind != "" {
		k, ok := input.ParseKind(*kind)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown method kind: %s\n", *kind)
			os.Exit(1)
		}
		if schemaPath, ok := cfg.Datamap.Schemas[k.String()]; ok {
			var schema *datamap.Schema
			schema, err = datamap.LoadSchema(config.SchemaPath(path, schemaPath))
			if err == nil {
				err = schema.Validate(m)
			}
		}
	}
	if err != nil {
		fmt.Printf("%s: invalid: %v\n", filepath.Base(fs.Arg(0)), err)
		os.Exit(1)
	}

	fmt.Printf("%s: ok (%d keys)\n", filepath.Base(fs.Arg(0)), len(m.Keys()))
	os.Stdout.Write(m.Marshal())
	fmt.Println()
}
