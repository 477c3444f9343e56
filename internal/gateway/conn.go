// Package gateway implements protocol.Client over gRPC against the protocol gateway sidecar.
//
// The sidecar owns the wire-level chat protocol. This package only speaks its RPC contract:
// unary methods and one server stream, all carrying google.protobuf.Struct payloads, so no
// generated stubs are needed on this side.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatlink/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const serviceName = "/chatlink.gateway.v1.Gateway/"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Config holds configuration for the gateway connection.
type Config struct {
	Address          string
	APIID            int
	APIHash          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// MessageBuffer is the per-session inbound queue size.
	MessageBuffer int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Address:          "localhost:50061",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		MessageBuffer:    256,
	}
}

// Conn is the shared connection to the gateway. It builds one Client per session.
type Conn struct {
	conn   *grpc.ClientConn
	cfg    Config
	logger *slog.Logger
}

// Dial connects to the gateway and waits until the connection is ready.
func Dial(cfg Config, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway client for %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad gateway endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gateway connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to protocol gateway", "address", cfg.Address)
	return NewConn(conn, cfg, logger), nil
}

// NewConn wraps an existing client connection.
func NewConn(conn *grpc.ClientConn, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = DefaultConfig().MessageBuffer
	}
	return &Conn{conn: conn, cfg: cfg, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// New implements protocol.Factory.
func (c *Conn) New(sessionID, sessionString string) (protocol.Client, error) {
	if sessionID == "" {
		return nil, errors.New("gateway: empty session id")
	}
	return newClient(c, sessionID, sessionString), nil
}

// Close closes the gateway connection.
func (c *Conn) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gateway connection", "error", err)
		}
	}
}

var _ protocol.Factory = (*Conn)(nil)
