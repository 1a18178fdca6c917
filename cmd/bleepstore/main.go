// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/objectkit/bleepstore/internal/config"
	"github.com/objectkit/bleepstore/internal/logging"
	"github.com/objectkit/bleepstore/internal/metadata"
	"github.com/objectkit/bleepstore/internal/server"
	"github.com/objectkit/bleepstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Crash-only design: every startup is recovery.
	// No special recovery mode. Steps that would normally be "recovery" run on
	// every boot:
	// - SQLite WAL auto-recovers on open
	// - Temp file cleanup (below)
	// - Expired multipart reaping (below, and on every sweep interval after)
	// - Default credential seeding (below)

	// Initialize SQLite metadata store.
	dbPath := cfg.Metadata.SQLite.Path
	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
		os.Exit(1)
	}
	metaStore, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	// Seed default credentials (idempotent — crash-only recovery step).
	if err := seedDefaultCredentials(metaStore, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed credentials: %v\n", err)
		os.Exit(1)
	}

	// Initialize storage backend based on config.
	var storageBackend storage.StorageBackend
	switch cfg.Storage.Backend {
	case "aws":
		awsBucket := cfg.Storage.AWS.Bucket
		awsRegion := cfg.Storage.AWS.Region
		awsPrefix := cfg.Storage.AWS.Prefix
		if awsBucket == "" {
			fmt.Fprintf(os.Stderr, "storage.aws.bucket is required when backend is 'aws'\n")
			os.Exit(1)
		}
		if awsRegion == "" {
			awsRegion = "us-east-1"
		}
		awsBackend, awsErr := storage.NewAWSGatewayBackend(context.Background(), awsBucket, awsRegion, awsPrefix,
			cfg.Storage.AWS.EndpointURL, cfg.Storage.AWS.UsePathStyle, cfg.Storage.AWS.AccessKeyID, cfg.Storage.AWS.SecretAccessKey)
		if awsErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize AWS storage backend: %v\n", awsErr)
			os.Exit(1)
		}
		storageBackend = awsBackend
		slog.Info("storage backend selected", "backend", "aws", "bucket", awsBucket, "region", awsRegion, "prefix", awsPrefix)
	case "gcp":
		gcpBucket := cfg.Storage.GCP.Bucket
		gcpProject := cfg.Storage.GCP.Project
		gcpPrefix := cfg.Storage.GCP.Prefix
		if gcpBucket == "" {
			fmt.Fprintf(os.Stderr, "storage.gcp.bucket is required when backend is 'gcp'\n")
			os.Exit(1)
		}
		gcpBackend, gcpErr := storage.NewGCPGatewayBackend(context.Background(), gcpBucket, gcpProject, gcpPrefix)
		if gcpErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize GCP storage backend: %v\n", gcpErr)
			os.Exit(1)
		}
		storageBackend = gcpBackend
		slog.Info("storage backend selected", "backend", "gcp", "bucket", gcpBucket, "project", gcpProject, "prefix", gcpPrefix)
	case "azure":
		azureContainer := cfg.Storage.Azure.Container
		azureAccount := cfg.Storage.Azure.Account
		azureAccountURL := cfg.Storage.Azure.AccountURL
		azurePrefix := cfg.Storage.Azure.Prefix
		if azureContainer == "" {
			fmt.Fprintf(os.Stderr, "storage.azure.container is required when backend is 'azure'\n")
			os.Exit(1)
		}
		// Construct account URL from account name if not explicitly set.
		if azureAccountURL == "" {
			if azureAccount == "" {
				fmt.Fprintf(os.Stderr, "storage.azure.account or storage.azure.account_url is required when backend is 'azure'\n")
				os.Exit(1)
			}
			azureAccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", azureAccount)
		}
		azureBackend, azureErr := storage.NewAzureGatewayBackend(context.Background(), azureContainer, azureAccountURL, azurePrefix)
		if azureErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize Azure storage backend: %v\n", azureErr)
			os.Exit(1)
		}
		storageBackend = azureBackend
		slog.Info("storage backend selected", "backend", "azure", "container", azureContainer, "account_url", azureAccountURL, "prefix", azurePrefix)
	default:
		// Default to local filesystem backend.
		storageRoot := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(storageRoot, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create storage root directory: %v\n", err)
			os.Exit(1)
		}
		lb, localErr := storage.NewLocalBackend(storageRoot)
		if localErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", localErr)
			os.Exit(1)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := lb.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean temp files", "error", err)
		}
		storageBackend = lb
		slog.Info("storage backend selected", "backend", "local", "root", storageRoot)
	}

	// Crash-only recovery: reap multipart uploads abandoned before the last
	// restart, then keep sweeping on an interval for the life of the process.
	reapCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	startUploadReaper(reapCtx, metaStore, storageBackend, cfg.Multipart)

	srv, err := server.New(cfg, metaStore, server.WithStorageBackend(storageBackend))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("bleepstore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())

		// Give in-flight requests up to the configured timeout to complete.
		timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		slog.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// seedDefaultCredentials creates the default credential record from the config
// if it does not already exist. This runs on every startup as part of
// crash-only recovery.
func seedDefaultCredentials(store *metadata.SQLiteStore, cfg *config.Config) error {
	ctx := context.Background()

	// Check if the default credential already exists.
	existing, err := store.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return fmt.Errorf("checking default credential: %w", err)
	}
	if existing != nil {
		// Already seeded. Nothing to do.
		return nil
	}

	cred := &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding default credential: %w", err)
	}
	slog.Info("seeded default credentials", "access_key", cfg.Auth.AccessKey)
	return nil
}

// startUploadReaper runs ReapExpiredUploads immediately and then on every
// ReapIntervalSeconds tick for the life of ctx. A ReapIntervalSeconds of 0
// disables the sweep entirely.
func startUploadReaper(ctx context.Context, reaper metadata.UploadReaper, backend storage.StorageBackend, cfg config.MultipartConfig) {
	if cfg.ReapIntervalSeconds <= 0 {
		return
	}

	sweep := func() {
		expired, err := reaper.ReapExpiredUploads(cfg.ReapTTLSeconds)
		if err != nil {
			slog.Error("multipart upload reap failed", "error", err)
			return
		}
		for _, up := range expired {
			if err := backend.DeleteParts(ctx, up.BucketName, up.ObjectKey, up.UploadID); err != nil {
				slog.Warn("failed to delete orphaned part blobs", "upload_id", up.UploadID, "error", err)
			}
			slog.Info("reaped expired multipart upload", "upload_id", up.UploadID, "bucket", up.BucketName, "key", up.ObjectKey)
		}
	}

	sweep()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ReapIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}
