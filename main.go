package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/breez/replica-sync/config"
	"github.com/breez/replica-sync/logger"
	"github.com/breez/replica-sync/middleware"
	"github.com/breez/replica-sync/rpc"
	"github.com/breez/replica-sync/store"
	"github.com/breez/replica-sync/store/postgres"
	"github.com/breez/replica-sync/store/sqlite"
	"github.com/breez/replica-sync/syncerr"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(config.LogLevel.Level, config.LogFormat)
	defer log.Sync()

	storage, closeStorage, err := createStorage(config)
	if err != nil {
		log.Fatal("failed to create storage", zap.Error(err))
	}
	defer closeStorage()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverMetrics := grpcprom.NewServerMetrics()
	registry.MustRegister(serverMetrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quitChan := make(chan struct{})
	syncServer := NewPersistentSyncerServer(storage, log)
	syncServer.Start(quitChan)
	s := CreateServer(config, log, syncServer, serverMetrics)

	if err := run(ctx, config, log, s, registry); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
	close(quitChan)
}

func createStorage(config *config.Config) (store.SyncStorage, func(), error) {
	if config.PgDatabaseUrl != "" {
		storage, err := postgres.NewPGSyncStorage(config.PgDatabaseUrl)
		if err != nil {
			return nil, nil, err
		}
		return storage, storage.Close, nil
	}
	if err := os.MkdirAll(config.SQLiteDirPath, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create databases directory %w", err)
	}
	storage, err := sqlite.NewSQLiteSyncStorage(filepath.Join(config.SQLiteDirPath, "sync.db"))
	if err != nil {
		return nil, nil, err
	}
	return storage, func() { storage.Close() }, nil
}

func CreateServer(config *config.Config, log *zap.Logger, syncServer rpc.SyncerServer, metrics *grpcprom.ServerMetrics) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.ForceServerCodec(rpc.Codec()),
		grpc.ChainUnaryInterceptor(
			metrics.UnaryServerInterceptor(),
			middleware.UnaryErrorInterceptor(log),
			middleware.UnaryOwnerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			metrics.StreamServerInterceptor(),
			middleware.StreamErrorInterceptor(log),
			middleware.StreamOwnerInterceptor(),
		),
	)
	rpc.RegisterSyncerServer(s, syncServer)
	metrics.InitializeMetrics(s)
	return s
}

// webHandler serves grpc-web requests from browsers allowed by the CORS
// configuration.
func webHandler(config *config.Config, s *grpc.Server) http.Handler {
	wrapped := grpcweb.WrapServer(s,
		grpcweb.WithOriginFunc(config.CorsAllowedOrigins.Allows),
	)
	return cors.New(cors.Options{
		AllowOriginFunc:  config.CorsAllowedOrigins.Allows,
		AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"grpc-status", "grpc-message", syncerr.TrailerKey},
		AllowCredentials: true,
	}).Handler(wrapped)
}

func run(ctx context.Context, config *config.Config, log *zap.Logger, s *grpc.Server, registry *prometheus.Registry) error {
	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var httpServers []*http.Server
	if config.WebListenAddress != "" {
		httpServers = append(httpServers, &http.Server{
			Addr:    config.WebListenAddress,
			Handler: webHandler(config, s),
		})
	}
	if config.MetricsListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		httpServers = append(httpServers, &http.Server{
			Addr:    config.MetricsListenAddress,
			Handler: mux,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server listening", zap.String("address", config.GrpcListenAddress))
		return s.Serve(grpcListener)
	})
	for _, server := range httpServers {
		server := server
		g.Go(func() error {
			log.Info("http server listening", zap.String("address", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, server := range httpServers {
			server.Shutdown(shutdownCtx)
		}
		s.GracefulStop()
		return nil
	})
	return g.Wait()
}
