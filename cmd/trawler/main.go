package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trawler-io/trawler/internal/engine"
	"github.com/trawler-io/trawler/pkg/checkpoint"
	"github.com/trawler-io/trawler/pkg/config"
	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/connector/registry"
	"github.com/trawler-io/trawler/pkg/logger"
	"github.com/trawler-io/trawler/pkg/metrics"
	"github.com/trawler-io/trawler/pkg/storage"

	// Import all built-in sources to register them
	_ "github.com/trawler-io/trawler/pkg/connector/sources"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	os.Exit(run())
}

// run executes the root command and maps the outcome to an exit code:
// 0 for a completed run, 1 for an interrupted one, 2 for anything fatal.
func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 1
		}
		return 2
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "trawler",
		Short: "Trawler - incremental crawler for public-records sources",
		Long: `Trawler crawls public-records sources into append-only parquet tables.
Runs are rate limited, checkpointed and resumable; a refresh revisits known
entries and stores only the rows that changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults := config.DefaultSettings()
	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML settings file")
	pf.String("data-dir", defaults.DataDir, "root directory for stored tables and checkpoints")
	pf.String("log-level", defaults.Logging.Level, "log level (debug, info, warn, error)")
	pf.String("log-encoding", defaults.Logging.Encoding, "log encoding (console, json)")
	pf.String("metrics-addr", defaults.Metrics.Addr, "serve Prometheus metrics on this address")

	root.AddCommand(
		newLoadCommand(),
		newRefreshCommand(),
		newRefreshAllCommand(),
		newAdminCommand(),
		newListCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return root
}

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <source> [scope]",
		Short: "Crawl a scope's full entry id space",
		Long: `Load enumerates every entry id of a scope and fetches each one, resuming
from the last checkpoint unless --no-resume is given.

Examples:
  trawler load assessor avonct
  trawler load assessor avonct --min-id 1 --max-id 5000
  trawler load ct_data --datasets businesses,filings`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, false)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func newRefreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <source> [scope]",
		Short: "Re-fetch the entries already stored for a scope",
		Long: `Refresh revisits the entry ids captured by earlier loads and appends new
row versions only where the content changed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, true)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string, refresh bool) error {
	settings, err := setupSettings(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	scopeArg := ""
	if len(args) > 1 {
		scopeArg = args[1]
	}

	ctx, stop := runContext(cmd)
	defer stop()

	eng, err := buildEngine(ctx, cmd, settings, args[0], scopeArg)
	if err != nil {
		return err
	}

	var sum engine.Summary
	if refresh {
		sum, err = eng.Refresh(ctx)
	} else {
		sum, err = eng.Load(ctx)
	}
	printSummary(sum)
	return err
}

func newRefreshAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-all <source>",
		Short: "Refresh every stored scope of a source",
		Args:  cobra.ExactArgs(1),
		RunE:  runRefreshAll,
	}
	addRunFlags(cmd)
	return cmd
}

func runRefreshAll(cmd *cobra.Command, args []string) error {
	settings, err := setupSettings(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	source, err := registry.CreateSource(args[0], settings)
	if err != nil {
		return err
	}
	lister, ok := source.(core.ScopeLister)
	if !ok {
		return fmt.Errorf("source %s cannot enumerate stored scopes", args[0])
	}

	ctx, stop := runContext(cmd)
	defer stop()

	writer := storage.NewWriter(settings.DataDir)
	checkpoints := checkpoint.NewStore(settings.DataDir)

	keys, err := lister.ScopeKeys(writer.Catalog())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Printf("no stored scopes for source %s under %s\n", args[0], settings.DataDir)
		return nil
	}

	baseURL, _ := cmd.Flags().GetString("base-url")
	timer := metrics.NewTimer("refresh_all")
	failed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		sc, err := source.Resolve(ctx, writer.Catalog(), key, baseURL, scopeParams(cmd))
		if err != nil {
			logger.Error("scope resolution failed", zap.String("scope", key), zap.Error(err))
			failed++
			continue
		}

		sum, err := engine.New(source, sc, writer, checkpoints, settings).Refresh(ctx)
		printSummary(sum)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.Error("refresh failed", zap.String("scope", key), zap.Error(err))
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scopes failed to refresh", failed, len(keys))
	}
	logger.Info("all scopes refreshed",
		zap.Int("scopes", len(keys)),
		zap.Duration("took", timer.Stop()))
	return nil
}

func newAdminCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "admin <source> [action...]",
		Short: "Run a source's maintenance actions",
		Long: `Admin hands the remaining arguments to the source. Available actions depend
on the source; the assessor source supports fetch-sites.

Example:
  trawler admin assessor fetch-sites`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := setupSettings(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			source, err := registry.CreateSource(args[0], settings)
			if err != nil {
				return err
			}
			adm, ok := source.(core.Admin)
			if !ok {
				return fmt.Errorf("source %s has no admin actions", args[0])
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return adm.RunAdmin(ctx, storage.NewCatalog(settings.DataDir), args[1:])
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available sources",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available sources:")
			for _, key := range registry.ListSources() {
				info, ok := registry.Info(key)
				if !ok {
					fmt.Printf("  %s\n", key)
					continue
				}
				fmt.Printf("  %s - %s\n", key, info.Description)
				fmt.Printf("      scopes: %s\n", info.Scopes)
				fmt.Printf("      tables: %s\n", strings.Join(info.Tables, ", "))
			}
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with settings files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a settings file holding the built-in defaults",
		Long: `Init writes every setting with its default value so the file can be edited
down. Defaults to trawler.yaml in the working directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "trawler.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, not overwriting", path)
			}
			if err := config.Save(path, config.DefaultSettings()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trawler v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// addRunFlags attaches the crawl tuning flags shared by load, refresh and
// refresh-all. Defaults shown in help come from the built-in settings; a
// flag only overrides the config file when it was set explicitly.
func addRunFlags(cmd *cobra.Command) {
	d := config.DefaultSettings()
	f := cmd.Flags()
	f.Int("workers", d.Crawl.Workers, "concurrent fetch workers")
	f.Float64("rate", d.Crawl.Rate, "maximum fetches per second, 0 disables the cap")
	f.Int("batch-size", d.Crawl.BatchSize, "entries buffered before a storage flush")
	f.Int("checkpoint-every", d.Crawl.CheckpointEvery, "processed entries between checkpoint saves")
	f.Int("max-consecutive-errors", d.Crawl.MaxConsecutiveErrors, "abort after this many failures in a row, 0 never aborts")
	f.Bool("no-resume", false, "ignore the saved checkpoint and start over")
	f.Duration("timeout", 0, "overall run deadline, 0 means none")
	f.String("base-url", "", "override the scope's base URL")
	f.Bool("photos", d.Sources.Assessor.Photos, "download building photos (assessor)")
	f.String("photos-dir", d.PhotosDir, "directory for downloaded photos")
	f.String("min-id", "", "lowest entry id to enumerate (assessor)")
	f.String("max-id", "", "highest entry id to enumerate (assessor)")
	f.String("since", "", "only fetch records created after this date, YYYY-MM-DD (ct_data)")
	f.String("datasets", "", "comma-separated dataset subset (ct_data)")
}

// setupSettings builds the effective settings: built-in defaults, then the
// config file, then explicit flags. It also initializes logging and the
// optional metrics listener.
func setupSettings(cmd *cobra.Command) (*config.Settings, error) {
	settings := config.DefaultSettings()

	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		if err := config.Load(path, settings); err != nil {
			return nil, err
		}
	}

	if flags.Changed("data-dir") {
		settings.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("log-level") {
		settings.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-encoding") {
		settings.Logging.Encoding, _ = flags.GetString("log-encoding")
	}
	if flags.Changed("metrics-addr") {
		settings.Metrics.Enabled = true
		settings.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	applyRunFlags(cmd, settings)

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    settings.Logging.Level,
		Encoding: settings.Logging.Encoding,
	}); err != nil {
		return nil, err
	}

	startMetrics(settings)
	return settings, nil
}

func applyRunFlags(cmd *cobra.Command, settings *config.Settings) {
	f := cmd.Flags()
	if f.Lookup("workers") == nil {
		// Command without run flags.
		return
	}

	if f.Changed("workers") {
		settings.Crawl.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("rate") {
		settings.Crawl.Rate, _ = f.GetFloat64("rate")
	}
	if f.Changed("batch-size") {
		settings.Crawl.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("checkpoint-every") {
		settings.Crawl.CheckpointEvery, _ = f.GetInt("checkpoint-every")
	}
	if f.Changed("max-consecutive-errors") {
		settings.Crawl.MaxConsecutiveErrors, _ = f.GetInt("max-consecutive-errors")
	}
	if f.Changed("no-resume") {
		noResume, _ := f.GetBool("no-resume")
		settings.Resume = !noResume
	}
	if f.Changed("photos") {
		settings.Sources.Assessor.Photos, _ = f.GetBool("photos")
	}
	if f.Changed("photos-dir") {
		settings.PhotosDir, _ = f.GetString("photos-dir")
	}
}

// scopeParams collects the source-specific flags that were set explicitly.
func scopeParams(cmd *cobra.Command) map[string]string {
	params := map[string]string{}
	f := cmd.Flags()
	for flagName, param := range map[string]string{
		"min-id":   "min_id",
		"max-id":   "max_id",
		"since":    "since",
		"datasets": "datasets",
	} {
		if f.Lookup(flagName) != nil && f.Changed(flagName) {
			params[param], _ = f.GetString(flagName)
		}
	}
	return params
}

// runContext cancels on SIGINT/SIGTERM and applies the --timeout deadline.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err == nil && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		return ctx, func() {
			cancel()
			stop()
		}
	}
	return ctx, stop
}

func buildEngine(ctx context.Context, cmd *cobra.Command, settings *config.Settings, sourceKey, scopeArg string) (*engine.Engine, error) {
	source, err := registry.CreateSource(sourceKey, settings)
	if err != nil {
		return nil, err
	}

	writer := storage.NewWriter(settings.DataDir)
	baseURL, _ := cmd.Flags().GetString("base-url")
	sc, err := source.Resolve(ctx, writer.Catalog(), scopeArg, baseURL, scopeParams(cmd))
	if err != nil {
		return nil, err
	}

	checkpoints := checkpoint.NewStore(settings.DataDir)
	return engine.New(source, sc, writer, checkpoints, settings), nil
}

func startMetrics(settings *config.Settings) {
	if !settings.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(settings.Metrics.Addr, mux); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", settings.Metrics.Addr))
}

func printSummary(sum engine.Summary) {
	if sum.Source == "" {
		return
	}

	status := "completed"
	if !sum.Completed {
		status = "incomplete"
	}
	fmt.Printf("\n%s/%s %s in %s\n", sum.Source, sum.Scope, status, sum.Elapsed.Round(time.Millisecond))
	fmt.Printf("  entries: %d processed, %d succeeded, %d skipped, %d failed\n",
		sum.Processed, sum.Succeeded, sum.Skipped, sum.Failed)
	fmt.Printf("  rows:    %d written, %d unchanged\n", sum.RowsWritten, sum.RowsSkipped)
}
