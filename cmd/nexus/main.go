package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"nexus/internal/apply"
	"nexus/internal/benchmark"
	"nexus/internal/config"
	"nexus/internal/discovery"
	"nexus/internal/engine"
	"nexus/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	rootDir    string
	configPath string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "NEXUS - Self-Improvement Engine",
	Long: `NEXUS continuously improves a target codebase through a closed loop:

  1. Discover: scan source, logs and learning state for opportunities
  2. Analyze:  rank by priority and expected value
  3. Generate: produce whole-file patches via template transforms
  4. Apply:    backup, validate, write, verify, roll back on failure
  5. Measure:  score system health with the benchmark battery
  6. Learn:    archive every experiment in the permanent ledger`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve working directory: %w", err)
			}
		}
		cfg, err = config.Load(rootDir, configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		return logging.Initialize(cfg.Resolve(cfg.Paths.EngineLogsDir), logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// cycleCmd runs exactly one improvement cycle
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single improvement cycle",
	RunE:  runCycle,
}

// runCmd runs the engine continuously
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run improvement cycles continuously",
	Long: `Runs improvement cycles until interrupted. Between cycles the engine
sleeps for the configured interval; after a failed cycle it backs off for the
shorter error-backoff interval instead.

SIGINT requests a cooperative stop: the in-flight cycle always completes so
the target tree is never left half-patched.`,
	RunE: runContinuous,
}

// discoverCmd runs discovery only
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan for improvement opportunities without applying anything",
	RunE:  runDiscover,
}

// benchmarkCmd runs the probe battery only
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Run the benchmark battery and print scores",
	RunE:  runBenchmark,
}

// statusCmd prints the engine state mirror
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state",
	RunE:  showStatus,
}

// reportCmd prints the full status report
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the full engine report (state, benchmarks, backlog, ledger)",
	RunE:  showReport,
}

// opportunitiesCmd lists the ranked backlog
var opportunitiesCmd = &cobra.Command{
	Use:   "opportunities",
	Short: "List the top-ranked improvement backlog",
	RunE:  listOpportunities,
}

// rollbackCmd restores a previously applied patch
var rollbackCmd = &cobra.Command{
	Use:   "rollback [patch-id]",
	Short: "Manually roll back an applied patch from its backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

// cleanupCmd prunes old backups
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups older than the retention window",
	RunE:  runCleanup,
}

var (
	runInterval  time.Duration
	runMaxCycles int
	oppLimit     int
	cleanupDays  int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Target project root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <root>/nexus.yaml)")

	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Interval between cycles (default: from config)")
	runCmd.Flags().IntVar(&runMaxCycles, "max-cycles", 0, "Stop after N cycles (0 = unbounded)")

	opportunitiesCmd.Flags().IntVar(&oppLimit, "limit", 10, "Number of opportunities to show")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 7, "Delete backups older than this many days")

	rootCmd.AddCommand(cycleCmd, runCmd, discoverCmd, benchmarkCmd,
		statusCmd, reportCmd, opportunitiesCmd, rollbackCmd, cleanupCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	eng, err := engine.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	logger.Info("running improvement cycle", zap.String("root", cfg.ProjectRoot))
	res := eng.RunCycle(cmd.Context())

	fmt.Printf("Cycle %s (iteration %d)\n", res.CycleID, res.Iteration)
	fmt.Printf("  opportunities:  %d\n", res.OpportunitiesFound)
	fmt.Printf("  generated:      %d\n", res.PatchesGenerated)
	fmt.Printf("  applied:        %d (%d successful)\n", res.PatchesApplied, res.PatchesSuccessful)
	fmt.Printf("  rolled back:    %d\n", res.PatchesRolledBack)
	fmt.Printf("  score:          %.1f -> %.1f (%+.2f)\n", res.ScoreBefore, res.ScoreAfter, res.Delta)
	fmt.Printf("  duration:       %.1fs\n", res.DurationSeconds)
	if res.Error != "" {
		fmt.Printf("  error:          %s\n", res.Error)
	}
	return nil
}

func runContinuous(cmd *cobra.Command, args []string) error {
	eng, err := engine.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("stop requested; finishing current cycle")
		eng.Stop()
		// A second signal aborts hard.
		<-sigCh
		cancel()
	}()

	logger.Info("running continuously",
		zap.Duration("interval", runInterval),
		zap.Int("max_cycles", runMaxCycles))
	eng.RunContinuous(ctx, runInterval, runMaxCycles)
	logger.Info("engine stopped")
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	d, err := discovery.New(cfg)
	if err != nil {
		return err
	}
	batch := d.DiscoverAll()
	fmt.Printf("Discovered %d opportunities\n", len(batch))
	for cat, n := range d.Stats() {
		fmt.Printf("  %-12s %d\n", cat, n)
	}
	return nil
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	r, err := benchmark.NewRunner(cfg)
	if err != nil {
		return err
	}
	results := r.RunAll(cmd.Context())
	for _, res := range results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Printf("  %-12s %6.1f  %s  (%.2fs)\n", res.BenchmarkID, res.Score, status, res.DurationSeconds)
		if res.Error != "" {
			fmt.Printf("               %s\n", res.Error)
		}
	}
	fmt.Printf("  %-12s %6.1f\n", "average", benchmark.AverageScore(results))
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	eng, err := engine.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	status := eng.Status()
	fmt.Printf("running:            %v\n", status.Running)
	if status.LastCycle.IsZero() {
		fmt.Printf("last cycle:         never\n")
	} else {
		fmt.Printf("last cycle:         %s\n", status.LastCycle.Format(time.RFC3339))
	}
	fmt.Printf("total cycles:       %d\n", status.TotalCycles)
	fmt.Printf("total improvements: %d\n", status.TotalImprovements)
	fmt.Printf("mean cycle delta:   %+.2f\n", status.MeanDelta)
	fmt.Printf("experiments:        %d (%.1f%% success)\n",
		status.Archive.TotalExperiments, status.Archive.SuccessRate)
	return nil
}

func showReport(cmd *cobra.Command, args []string) error {
	eng, err := engine.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Print(eng.Report())
	return nil
}

func listOpportunities(cmd *cobra.Command, args []string) error {
	d, err := discovery.New(cfg)
	if err != nil {
		return err
	}
	top := d.GetTopOpportunities(oppLimit)
	if len(top) == 0 {
		fmt.Println("No opportunities in the backlog. Run 'nexus discover' first.")
		return nil
	}
	for _, opp := range top {
		fmt.Printf("  [P%d] %-12s %s  %s\n", opp.Priority, opp.Category, opp.ID, opp.Title)
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	patchID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid patch id %q: %w", args[0], err)
	}
	a, err := apply.NewApplier(cfg)
	if err != nil {
		return err
	}
	if err := a.ManualRollback(patchID); err != nil {
		return err
	}
	fmt.Printf("Rolled back patch %d\n", patchID)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := apply.NewApplier(cfg)
	if err != nil {
		return err
	}
	removed := a.CleanupOldBackups(cleanupDays)
	fmt.Printf("Removed %d backups older than %d days\n", removed, cleanupDays)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
