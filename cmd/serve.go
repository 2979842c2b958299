// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genproto/googleapis/bytestream"
	buildpb "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc"

	"github.com/cardinalhq/buildlake/bes"
	"github.com/cardinalhq/buildlake/config"
	"github.com/cardinalhq/buildlake/dash"
	"github.com/cardinalhq/buildlake/internal/healthcheck"
	"github.com/cardinalhq/buildlake/internal/persist"
	"github.com/cardinalhq/buildlake/remotecache"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the build event and remote cache server",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "buildlake"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			return runServe(doneCtx, cfg)
		},
	}

	rootCmd.AddCommand(cmd)
}

func buildProviders(cfg *config.Config) (persist.Provider, persist.CacheProvider, error) {
	switch cfg.Storage.Provider {
	case config.ProviderMemory:
		return persist.NewMemoryProvider(slog.Default()), persist.NewMemoryCacheProvider(), nil
	case config.ProviderLocalFile:
		cache, err := persist.NewLocalFileCacheProvider(cfg.Storage.BaseDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to prepare cache storage: %w", err)
		}
		return persist.NewLocalFileProvider(slog.Default(), cfg.Storage.BaseDir), cache, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func runServe(doneCtx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	// Start health check server
	healthConfig := healthcheck.GetConfigFromEnv()
	healthServer := healthcheck.NewServer(healthConfig)

	go func() {
		if err := healthServer.Start(doneCtx); err != nil {
			slog.Error("Health check server stopped", slog.Any("error", err))
		}
	}()

	provider, cacheProvider, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	orchestrator := persist.NewOrchestrator(logger, provider)
	registry := bes.NewRegistry(logger, orchestrator)
	defer registry.Close()

	byteStream := remotecache.NewByteStream(logger, cacheProvider, cfg.Cache.WriterTTL)
	defer byteStream.Close()

	grpcServer := grpc.NewServer()
	buildpb.RegisterPublishBuildEventServer(grpcServer, bes.NewServer(logger, registry))
	bytestream.RegisterByteStreamServer(grpcServer, byteStream)
	repb.RegisterActionCacheServer(grpcServer, remotecache.NewActionCache(logger, cacheProvider))
	repb.RegisterContentAddressableStorageServer(grpcServer, remotecache.NewCAS(logger, cacheProvider))
	repb.RegisterCapabilitiesServer(grpcServer, remotecache.NewCapabilities())

	mux := http.NewServeMux()
	dash.NewHandler(logger, registry).Register(mux)
	remotecache.NewBlobHandler(logger, cacheProvider).Register(mux)
	httpServer := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux}

	listener, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.ListenAddr, err)
	}

	group, ctx := errgroup.WithContext(doneCtx)

	group.Go(func() error {
		logger.Info("Starting build event and cache services",
			slog.String("addr", cfg.GRPC.ListenAddr))
		return grpcServer.Serve(listener)
	})

	group.Go(func() error {
		logger.Info("Starting query and blob endpoints",
			slog.String("addr", cfg.HTTP.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	healthServer.SetStatus(healthcheck.StatusHealthy)
	healthServer.SetReady(true)

	logger.Info("Server ready",
		slog.String("besBackend", "grpc://localhost"+cfg.GRPC.ListenAddr))

	return group.Wait()
}
