package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portal-capture/browser"
	"portal-capture/config"
	"portal-capture/credentials"
	"portal-capture/logger"
	"portal-capture/profile"
	"portal-capture/ratelimit"
	"portal-capture/runner"
	"portal-capture/storage"
)

var (
	configFile string
	verbose    bool
	headless   bool
)

// errCaptureFailed signals a finished run without evidence; the result has
// already been printed.
var errCaptureFailed = errors.New("capture failed")

func main() {
	var rootCmd = &cobra.Command{
		Use:          "portal-capture",
		Short:        "Portal dashboard capture tool",
		Long:         `Logs into a bot-protected web portal in a throwaway, fingerprinted browser session and captures a screenshot of the dashboard.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run browser in headless mode")

	// Add subcommands
	rootCmd.AddCommand(createCaptureCmd())
	rootCmd.AddCommand(createHistoryCmd())
	rootCmd.AddCommand(createStatusCmd())
	rootCmd.AddCommand(createInitConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errCaptureFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func createCaptureCmd() *cobra.Command {
	var (
		output string
		plain  bool
		force  bool
	)

	var cmd = &cobra.Command{
		Use:   "capture",
		Short: "Log in and capture the dashboard",
		Long:  `Runs one capture session and prints the result as JSON. Exits non-zero when no evidence was produced.`,
		RunE:  runCapture,
	}

	cmd.Flags().StringVar(&output, "output", "", "Screenshot output path (overrides config)")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable stealth flags, evasion and jitter")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the attempt guard")

	return cmd
}

func createHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	var cmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent capture runs",
		RunE:  runHistory,
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print runs as JSON")

	return cmd
}

func createStatusCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Show status and statistics",
		Long:  `Display configuration, credential availability, today's attempts and when the next attempt is allowed.`,
		RunE:  runStatus,
	}

	return cmd
}

func createInitConfigCmd() *cobra.Command {
	var overwrite bool

	var cmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(configFile, overwrite); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Default configuration written to %s\n", configFile)
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")

	return cmd
}

// Command runners

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	plain, _ := cmd.Flags().GetBool("plain")
	force, _ := cmd.Flags().GetBool("force")
	if output != "" {
		cfg.Capture.OutputPath = output
	}
	if plain {
		cfg.Stealth.Enabled = false
	}

	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// History is optional; without it the guard has nothing to consult
	var recorder runner.Recorder
	if cfg.Storage.Path != "" {
		db, err := storage.NewDatabase(cfg.Storage.Path, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		recorder = db

		if !force {
			guard := ratelimit.NewGuard(cfg.Guard, db, rand.New(rand.NewSource(time.Now().UnixNano())), log)
			if err := guard.Allow(ctx); err != nil {
				return fmt.Errorf("attempt refused: %w", err)
			}
		}
	}

	opts, err := cfg.BrowserOptions()
	if err != nil {
		return err
	}

	r := runner.New(
		cfg.RunnerConfig(),
		browser.NewRodDriver(opts, log),
		profile.NewProvisioner(cfg.Browser.ProfileDir, log),
		credentials.NewEnvProvider(cfg.Credentials.UsernameEnv, cfg.Credentials.PasswordEnv, cfg.Credentials.DotEnvFile),
		recorder,
		log,
	)

	res := r.Run(ctx)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK() {
		return errCaptureFailed
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("run history is disabled (storage.path is empty)")
	}

	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	db, err := storage.NewDatabase(cfg.Storage.Path, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	runs, err := db.RecentRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}
	for _, run := range runs {
		outcome := "OK " + run.EvidencePath
		if !run.Succeeded() {
			outcome = run.ErrorKind + " " + run.Detail
		}
		fmt.Printf("%s  %s  %-13s  %6s  %s\n",
			run.StartedAt.Local().Format(time.RFC3339),
			run.SessionID,
			run.State,
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
			outcome)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	provider := credentials.NewEnvProvider(cfg.Credentials.UsernameEnv, cfg.Credentials.PasswordEnv, cfg.Credentials.DotEnvFile)
	creds, credErr := provider.Credentials(cmd.Context())

	// Display status
	fmt.Printf("Portal Capture Status\n")
	fmt.Printf("=====================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Login URL: %s\n", cfg.Portal.LoginURL)
	fmt.Printf("  Headless: %v\n", cfg.Browser.Headless)
	fmt.Printf("  Stealth: %v (evasion %s)\n", cfg.Stealth.Enabled, cfg.Stealth.Evasion)
	fmt.Printf("  Output: %s\n", cfg.Capture.OutputPath)
	if credErr != nil {
		fmt.Printf("  Credentials: unavailable (%v)\n", credErr)
	} else {
		fmt.Printf("  Credentials: %s\n", creds)
	}
	fmt.Printf("\n")

	if cfg.Storage.Path == "" {
		fmt.Printf("Run history disabled\n")
		return nil
	}

	db, err := storage.NewDatabase(cfg.Storage.Path, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	stats, err := db.GetDailyStats(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	guard := ratelimit.NewGuard(cfg.Guard, db, nil, logger.GetLogger())
	status, err := guard.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Daily Statistics:\n")
	fmt.Printf("  Runs: %d\n", stats["runs"])
	fmt.Printf("  Login attempts: %d\n", stats["attempts"])
	fmt.Printf("  Succeeded: %d\n", stats["succeeded"])
	fmt.Printf("  Failed: %d\n", stats["failed"])
	fmt.Printf("\n")
	fmt.Printf("Guard:\n")
	fmt.Printf("  Enabled: %v\n", cfg.Guard.Enabled)
	if cfg.Guard.DailyLimit > 0 {
		fmt.Printf("  Daily attempts: %d/%d\n", status.AttemptsToday, cfg.Guard.DailyLimit)
	}
	if last := status.LastAttempt; last != nil {
		fmt.Printf("  Last attempt: %s (%s)\n", last.StartedAt.Local().Format(time.RFC3339), last.State)
	}
	fmt.Printf("  Next allowed: %s\n", status.NextAllowed.Local().Format(time.RFC3339))

	return nil
}

// Helper functions

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = headless
	}

	if err := setupLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) error {
	logLevel := cfg.Level
	if verbose {
		logLevel = "debug"
	}
	if logLevel == "" {
		logLevel = "info"
	}

	return logger.InitLogger(logLevel, cfg.Format, cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
