// Package client assembles the local replica, its operation queue and the
// connection to a sync server.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/breez/replica-sync/config"
	"github.com/breez/replica-sync/hub"
	"github.com/breez/replica-sync/network"
	"github.com/breez/replica-sync/queue"
	"github.com/breez/replica-sync/replica"
	"github.com/breez/replica-sync/retry"
	"github.com/breez/replica-sync/rpc"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type Client struct {
	*replica.Store
	Monitor *network.Monitor
	Queue   *queue.Queue
	Hub     *hub.Hub

	conn     *grpc.ClientConn
	ownsConn bool
	cancel   context.CancelFunc
}

// RetryOptions maps the retry configuration onto executor options.
func RetryOptions(cfg config.RetryConfig, logger *zap.Logger) retry.Options {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		// A configured zero disables retries.
		maxRetries = retry.NoRetries
	}
	return retry.Options{
		MaxRetries:    maxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Logger:        logger,
	}
}

// New builds a client on an existing connection. The connection stays owned
// by the caller. A nil registerer leaves the metrics unregistered.
func New(conn *grpc.ClientConn, cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer) *Client {
	return newClient(context.Background(), conn, cfg, logger, registerer)
}

func newClient(ctx context.Context, conn *grpc.ClientConn, cfg *config.Config, logger *zap.Logger,
	registerer prometheus.Registerer) *Client {

	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)

	monitor := network.NewMonitor(conn.GetState() == connectivity.Ready, logger)
	go monitor.WatchConn(ctx, conn)

	retryOptions := RetryOptions(cfg.Retry, logger)
	q := queue.New(monitor, queue.Config{
		MaxRetries:   cfg.Queue.MaxRetries,
		ErrorLogSize: cfg.Queue.ErrorLogSize,
		Retry:        retryOptions,
		Logger:       logger,
		Registerer:   registerer,
	})
	h := hub.New(logger)
	store := replica.New(replica.Config{
		Remote:     rpc.NewClient(conn, logger),
		Monitor:    monitor,
		Queue:      q,
		Hub:        h,
		Retry:      retryOptions,
		Logger:     logger,
		Registerer: registerer,
	})
	return &Client{
		Store:   store,
		Monitor: monitor,
		Queue:   q,
		Hub:     h,
		conn:    conn,
		cancel:  cancel,
	}
}

// Dial connects to cfg.RemoteAddress and builds a client on the new
// connection. Connectivity is followed until ctx is done or the client is
// closed.
func Dial(ctx context.Context, cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer,
	opts ...grpc.DialOption) (*Client, error) {

	metrics := grpcprom.NewClientMetrics()
	if registerer != nil {
		if err := registerer.Register(metrics); err != nil {
			return nil, fmt.Errorf("failed to register client metrics: %w", err)
		}
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Second * 30,
			Timeout:             time.Second * 10,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(metrics.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(metrics.StreamClientInterceptor()),
	}, opts...)
	conn, err := grpc.NewClient(cfg.RemoteAddress, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %v: %w", cfg.RemoteAddress, err)
	}
	c := newClient(ctx, conn, cfg, logger, registerer)
	c.ownsConn = true
	return c, nil
}

// Close detaches the replica, rejects queued operations and, for dialed
// clients, closes the connection.
func (c *Client) Close() error {
	c.Store.Close()
	c.Queue.Close()
	c.cancel()
	if c.ownsConn {
		return c.conn.Close()
	}
	return nil
}
