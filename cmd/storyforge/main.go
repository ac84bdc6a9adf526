package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/storyforge/internal/artifact"
	"github.com/lamim/storyforge/internal/config"
	"github.com/lamim/storyforge/internal/gateway"
	"github.com/lamim/storyforge/internal/httpapi"
	"github.com/lamim/storyforge/internal/journal"
	"github.com/lamim/storyforge/internal/metrics"
	"github.com/lamim/storyforge/internal/orchestrator"
	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
	logLevel   string

	childName string
	age       int
	theme     string
	traits    []string
	pages     int
	jobKey    string
	outPath   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyforge",
		Short: "Storyforge - personalized illustrated children's books",
		Long: `Storyforge turns a child's name, age and a theme into an illustrated
picture book by orchestrating text and image models page by page.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one book and write it to a PDF file",
		RunE:  runGenerate,
	}
	generateCmd.Flags().StringVar(&childName, "name", "", "Child's name")
	generateCmd.Flags().IntVar(&age, "age", 5, "Child's age")
	generateCmd.Flags().StringVar(&theme, "theme", "space", "Story theme")
	generateCmd.Flags().StringSliceVar(&traits, "traits", nil, "Comma-separated character traits")
	generateCmd.Flags().IntVar(&pages, "pages", 0, "Number of pages (default from config)")
	generateCmd.Flags().StringVar(&jobKey, "key", "", "Idempotency key (random when empty)")
	generateCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output PDF path (default <key>.pdf)")
	_ = generateCmd.MarkFlagRequired("name")

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job journal",
	}
	jobsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List finished jobs",
		RunE:  listJobs,
	}
	jobsCmd.AddCommand(jobsListCmd)

	artifactCmd := &cobra.Command{
		Use:   "artifact",
		Short: "Read stored artifacts",
	}
	artifactGetCmd := &cobra.Command{
		Use:   "get <ref>",
		Short: "Write a stored book or page image to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  getArtifact,
	}
	artifactGetCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output path (default <digest>.pdf)")
	artifactCmd.AddCommand(artifactGetCmd)

	rootCmd.AddCommand(serveCmd, generateCmd, jobsCmd, artifactCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime is everything a running orchestrator needs
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store
	orch    *orchestrator.Orchestrator
	closers []func() error
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("Cleanup failed", "error", err)
		}
	}
}

// loadConfig reads the env file and config. A missing default config file
// falls back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Secrets, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			} else if verbose {
				fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
			}
		}
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		fmt.Fprintf(os.Stderr, "No %s found, using built-in defaults\n", configPath)
		secrets, err := config.LoadSecrets()
		if err != nil {
			return nil, nil, err
		}
		return config.Default(), secrets, nil
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, secrets, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	level := journal.ParseLevel(logLevel)
	if verbose {
		level = slog.LevelDebug
	}
	logger, closer, err := journal.SetupLogger(os.Stdout, cfg.Journal.LogFile, level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return logger, closer.Close, nil
}

func newRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg, secrets, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	store, closeStore, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	collector := metrics.NewCollector(logger)
	providers, err := gateway.BuildProviders(ctx, cfg, secrets, gateway.NewHTTPClient(), logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	client := gateway.New(logger, gateway.NewRateLimiterPool(logger), providers, gateway.OptionsFromConfig(cfg, collector))

	records, err := journal.Load(cfg.Journal.Path, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	jrnl, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.orch = orchestrator.New(cfg, orchestrator.Deps{
		Dispatcher: client,
		Assembler:  artifact.NewBuilder(store, logger, artifact.Options{}),
		Store:      store,
		Recorder:   jrnl,
		Metrics:    collector,
	}, logger)
	rt.orch.Restore(records)

	// The journal must outlive the orchestrator so final records are written
	rt.closers = append(rt.closers, jrnl.Close, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return rt.orch.Shutdown(shutdownCtx)
	})

	logger.Info("Storyforge starting",
		"version", Version,
		"config", configPath,
		"storage", cfg.Storage.Backend,
		"text_model", cfg.ModelFor(models.KindPageText).ModelName,
		"image_model", cfg.ModelFor(models.KindPageImage).ModelName)
	return rt, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	server := &http.Server{
		Addr: rt.cfg.Server.Addr,
		Handler: httpapi.NewRouter(&httpapi.App{
			Service:      rt.orch,
			Artifacts:    rt.store,
			Logger:       rt.logger,
			DefaultPages: rt.cfg.Generation.DefaultPages,
		}),
		ReadTimeout:  time.Duration(rt.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(rt.cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		rt.logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if pages == 0 {
		pages = rt.cfg.Generation.DefaultPages
	}
	if jobKey == "" {
		jobKey = uuid.New().String()
	}
	handle, err := rt.orch.Submit(models.GenerationRequest{
		IdempotencyKey: jobKey,
		ChildName:      childName,
		Age:            age,
		Theme:          theme,
		Traits:         traits,
		PageCount:      pages,
	})
	if err != nil {
		return err
	}

	bar := progressbar.Default(100, "Generating book")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var st models.JobStatus
	for {
		st, err = rt.orch.Status(handle.Key)
		if err != nil {
			return err
		}
		bar.Describe(st.Step)
		_ = bar.Set(st.Progress)
		if st.Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			rt.logger.Warn("Interrupted, cancelling job", "job", handle.Key)
			_ = rt.orch.Cancel(handle.Key)
			waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			st, _ = rt.orch.Wait(waitCtx, handle.Key)
			cancel()
			return fmt.Errorf("generation interrupted: %s", st.Step)
		case <-ticker.C:
		}
	}
	_ = bar.Finish()

	if st.State != models.JobStateComplete || st.Artifact == nil {
		if st.Failure == nil {
			return fmt.Errorf("generation ended in state %s", st.State)
		}
		return fmt.Errorf("generation failed: %s: %s", st.Failure, st.Failure.Message)
	}

	if outPath == "" {
		outPath = handle.Key + ".pdf"
	}
	if err := writeArtifact(ctx, rt.store, st.Artifact.Ref, outPath); err != nil {
		return err
	}
	rt.logger.Info("Book written",
		"title", st.Artifact.Title,
		"pages", st.Artifact.Pages,
		"artifact", st.Artifact.Ref,
		"path", outPath)
	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	records, err := journal.Load(cfg.Journal.Path, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No finished jobs found.")
		return nil
	}

	fmt.Printf("%-36s %-10s %-26s %-8s %s\n", "KEY", "STATE", "RESULT", "PAGES", "FINISHED")
	fmt.Println(strings.Repeat("-", 110))
	for _, rec := range records {
		result := ""
		if rec.Artifact != nil {
			result = rec.Artifact.Ref.Digest()
			if len(result) > 16 {
				result = result[:16]
			}
		} else if rec.Failure != nil {
			result = rec.Failure.String()
		}
		fmt.Printf("%-36s %-10s %-26s %-8d %s\n",
			rec.Key, rec.State, result, rec.Request.PageCount, rec.RecordedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func getArtifact(cmd *cobra.Command, args []string) error {
	ref := models.ArtifactRef(args[0])
	if !ref.Valid() {
		return fmt.Errorf("%w: %s", storage.ErrInvalidRef, args[0])
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if outPath == "" {
		outPath = ref.Digest() + ".pdf"
	}
	return writeArtifact(ctx, store, ref, outPath)
}

func writeArtifact(ctx context.Context, store storage.Store, ref models.ArtifactRef, path string) error {
	data, err := store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", path, len(data))
	return nil
}
