package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/labelport/labelport/internal/api"
	"github.com/labelport/labelport/internal/config"
	"github.com/labelport/labelport/internal/content"
	"github.com/labelport/labelport/internal/db"
	"github.com/labelport/labelport/internal/export"
	"github.com/labelport/labelport/internal/logging"
	"github.com/labelport/labelport/internal/observability"
	"github.com/labelport/labelport/internal/platform"
	"github.com/labelport/labelport/internal/runs"
)

const usage = `usage: labelport <command> [flags]

commands:
  export    export the labels of a project to a zip archive
  serve     run the local export service
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "export":
		err = runExport(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version":
		fmt.Printf("labelport %s (%s)\n", config.Version, config.BuildTime)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stringList collects a repeatable, comma separated flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	var (
		projectID      = fs.String("project-id", "", "project to export")
		format         = fs.String("output-format", "", "label format: "+formatNames())
		layout         = fs.String("layout", string(export.SplitOptionMerged), "merged or split")
		output         = fs.String("output-file", "", "path of the zip archive to write")
		singleFile     = fs.Bool("single-file", false, "write the labels of all assets in one file (coco, raw)")
		withAssets     = fs.Bool("with-assets", true, "embed the asset content in the archive")
		exportType     = fs.String("export-type", string(export.ExportTypeLatest), "latest or normal (raw only)")
		categorySearch = fs.String("category-search", "", "only export assets whose labels match, e.g. JOB.CATEGORY.count > 0")
		apiKey         = fs.String("api-key", "", "platform API key (default $"+config.EnvAPIKey+")")
		endpoint       = fs.String("api-endpoint", "", "platform GraphQL endpoint")
		noCache        = fs.Bool("no-cache", false, "do not keep downloaded content between exports")
		verbose        = fs.Bool("verbose", false, "log every skipped asset and request")
		quiet          = fs.Bool("quiet", false, "do not print progress")
		first          = fs.Int("first", 0, "export at most this many assets (0 for all)")
		skip           = fs.Int("skip", 0, "skip this many matching assets")
		assetIDs       stringList
		externalIDs    stringList
		statuses       stringList
	)
	fs.Var(&assetIDs, "asset-ids", "asset ids to export, repeatable or comma separated")
	fs.Var(&externalIDs, "external-ids", "external ids to export, repeatable or comma separated")
	fs.Var(&statuses, "status", "only export assets in these statuses")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *apiKey != "" {
		cfg.SetAPIKey(*apiKey)
	}
	if *endpoint != "" {
		cfg.SetAPIEndpoint(*endpoint)
	}
	if cfg.APIKey() == "" {
		return fmt.Errorf("missing API key: set %s or pass --api-key", config.EnvAPIKey)
	}

	level := cfg.LogLevel()
	if *verbose {
		level = "debug"
	}
	logger := logging.NewLoggerTo(os.Stderr, level, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := newDeps(ctx, cfg, logger, !*noCache)
	if err != nil {
		return err
	}
	defer deps.Close()

	req := export.Request{
		ProjectID:   *projectID,
		Format:      export.LabelFormat(*format),
		Layout:      export.SplitOption(*layout),
		OutputFile:  *output,
		AssetIDs:    assetIDs,
		ExternalIDs: externalIDs,
		SingleFile:  *singleFile,
		WithAssets:  *withAssets,
		ExportType:  export.ExportType(*exportType),
		First:       *first,
		Skip:        *skip,
		Run: export.RunConfig{
			Logger:      logger,
			Verbose:     *verbose,
			StagingRoot: cfg.StagingDir(),
		},
	}
	if *categorySearch != "" || len(statuses) > 0 {
		req.AssetFilter = &platform.AssetWhere{
			LabelCategorySearch: *categorySearch,
			StatusIn:            statuses,
		}
	}
	if !*quiet {
		req.Run.Progress = progressPrinter(os.Stderr)
	}

	report, err := deps.service.ExportLabels(ctx, req)
	if !*quiet {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		var noJob *export.NoCompatibleJobError
		if errors.As(err, &noJob) {
			// nothing to export is not a failure of the command
			fmt.Fprintf(os.Stderr, "warning: %v\n", noJob)
			for _, job := range noJob.Jobs {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", job.Name, job.Reason)
			}
			return nil
		}
		return err
	}

	printReport(os.Stdout, report)
	return nil
}

func formatNames() string {
	names := make([]string, len(export.Formats))
	for i, f := range export.Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

func progressPrinter(w io.Writer) export.ProgressFunc {
	return func(done, total int) {
		fmt.Fprintf(w, "\rexporting assets %d/%d", done, total)
	}
}

func printReport(w io.Writer, report *export.Report) {
	fmt.Fprintf(w, "exported %d assets (%d frames) as %s to %s (%s)\n",
		report.AssetsExported, report.FramesExported, report.Format,
		report.OutputPath, humanize.Bytes(uint64(report.ArchiveBytes)))
	if report.AssetsUnlabeled > 0 {
		fmt.Fprintf(w, "%d assets had no label\n", report.AssetsUnlabeled)
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "%d assets skipped:\n", len(report.Skipped))
		for _, s := range report.Skipped {
			fmt.Fprintf(w, "  %s\n", s.Error())
		}
	}
	for _, job := range report.IncompatibleJobs {
		fmt.Fprintf(w, "job %s not exported: %s\n", job.Name, job.Reason)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "port to listen on (default $"+config.EnvPort+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.APIKey() == "" {
		return fmt.Errorf("missing API key: set %s", config.EnvAPIKey)
	}
	listenPort := cfg.Port()
	if *port > 0 {
		listenPort = *port
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting labelport service", "version", config.Version, "data_dir", cfg.DataDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := newDeps(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	repo := runs.NewRepository(deps.database.Conn())
	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Printf("  labelport %s\n", config.Version)
	fmt.Printf("  API URL:    http://127.0.0.1:%d\n", listenPort)
	fmt.Printf("  Auth Token: %s\n", authToken)
	fmt.Println()

	runner := runs.NewRunner(deps.service, repo, cfg.ExportsDir(), cfg.StagingDir(), logger)
	go runner.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:         listenPort,
		Runner:       runner,
		Repository:   repo,
		Capabilities: content.NewCapabilityCache(cfg.FFmpegPath()),
		Logger:       logger,
		StartTime:    startTime,
		Version:      config.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// exportDeps holds what both commands need to run an export.
type exportDeps struct {
	database *db.DB
	service  *export.Service
	shutdown func(context.Context) error
}

func newDeps(ctx context.Context, cfg *config.EnvConfig, logger *slog.Logger, cache bool) (*exportDeps, error) {
	for _, dir := range []string{cfg.DataDir(), cfg.CacheDir(), cfg.StagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	shutdown, err := observability.InitTracing(ctx, observability.Config{
		ServiceName: "labelport",
		Version:     config.Version,
		Exporter:    cfg.OTel().Exporter,
		Endpoint:    cfg.OTel().Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	fetcherCfg := content.FetcherConfig{
		CacheDir:             cfg.CacheDir(),
		Policy:               content.CachePolicy{Enabled: cache, MaxBytes: cfg.CacheMaxBytes()},
		Index:                content.NewSQLiteCacheIndex(database.Conn()),
		ContentRepositoryURL: cfg.ContentRepositoryURL(),
		APIKey:               cfg.APIKey(),
		Logger:               logger,
	}

	if s3 := cfg.S3(); s3.Enabled() {
		store, err := content.NewS3Store(s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.UseSSL)
		if err != nil {
			database.Close()
			shutdown(ctx)
			return nil, fmt.Errorf("failed to configure object storage: %w", err)
		}
		fetcherCfg.Objects = store
	}

	if extractor, err := content.NewFFmpegExtractor(cfg.FFmpegPath(), cfg.FFmpegTimeout(), logger); err != nil {
		logger.Debug("frame extraction unavailable", "error", err)
	} else {
		fetcherCfg.Extractor = extractor
	}

	fetcher, err := content.NewFetcher(fetcherCfg)
	if err != nil {
		database.Close()
		shutdown(ctx)
		return nil, err
	}

	client := platform.NewHTTPClient(cfg.APIEndpoint(), cfg.APIKey(), cfg.HTTPTimeout(), logger)

	return &exportDeps{
		database: database,
		service:  export.NewService(client, fetcher, logger),
		shutdown: shutdown,
	}, nil
}

func (d *exportDeps) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.shutdown(ctx)
	d.database.Close()
}

func ensureAuthToken(repo runs.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
