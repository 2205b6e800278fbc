// Command esi-stream serves paginated ESI listings as NDJSON item streams.
// Page fetches follow the demand of the HTTP client, go through the shared
// Redis page cache and honour the ESI error limit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/esi-pagestream/pkg/client"
	"github.com/Sternrassler/esi-pagestream/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "esi-stream",
		Short:        "Stream paginated ESI listings as NDJSON",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg config) error {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("esi-stream")

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info().Str("redis", cfg.RedisAddr).Msg("Connected to Redis")

	esiClient, err := client.New(cfg.clientConfig(redisClient))
	if err != nil {
		return fmt.Errorf("create ESI client: %w", err)
	}
	defer esiClient.Close()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: newRouter(&server{
			client: esiClient,
			batch:  cfg.BatchSize,
			logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("user_agent", cfg.UserAgent).
			Int64("batch_size", cfg.BatchSize).
			Msg("Starting esi-stream server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("Shutting down esi-stream server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server failed")
		return err
	}
	return nil
}
