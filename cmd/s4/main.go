package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"s4/internal/auth"
	"s4/internal/s4"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", "7000", "HTTP listen port")
	dataDir := flag.String("data-dir", "./data", "directory to store bucket data")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Credentials come from the environment, optionally seeded from a
	// .env file in the working directory.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Skipping .env file", "err", err)
	}

	creds := auth.Credentials{
		AccessKeyID:     getenv("S4_ACCESS_KEY_ID", "s4admin"),
		SecretAccessKey: getenv("S4_SECRET_ACCESS_KEY", "s4admin"),
	}

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	server, err := s4.NewServer(s4.Config{
		DataDir:     absDataDir,
		Credentials: creds,
	})
	if err != nil {
		return fmt.Errorf("failed to create s4 server: %w", err)
	}

	defer server.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(ctx)
	})

	eg.Go(func() error {
		slog.Info("Starting s4 HTTP server", "port", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("s4 started", "data_dir", absDataDir)
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("s4 exited with error", "error", err)
	}
}
