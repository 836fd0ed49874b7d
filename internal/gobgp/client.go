// Package gobgp connects the EVPN engine to GoBGP via its gRPC API.
//
// The Feed watches the L2VPN/EVPN best-path table and turns remote type-2
// (MAC/IP advertisement) and type-3 (inclusive multicast) routes into engine
// calls. The Advertiser consumes engine notifications and originates or
// withdraws the matching local routes with AddPath and DeletePath.
package gobgp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// -------------------------------------------------------------------------
// Client Interface
// -------------------------------------------------------------------------

// Client abstracts the GoBGP gRPC operations needed by the Feed and the
// Advertiser. This interface enables testing without a running GoBGP
// instance.
type Client interface {
	// AddPath originates a path in the global RIB.
	AddPath(ctx context.Context, path *apipb.Path) error

	// DeletePath withdraws a path previously added with AddPath.
	DeletePath(ctx context.Context, path *apipb.Path) error

	// WatchEVPN streams best-path changes of the EVPN family to fn until
	// ctx is cancelled or the stream fails. Existing paths are delivered
	// first.
	WatchEVPN(ctx context.Context, fn func(*apipb.Path)) error

	// ListEVPN calls fn for every path of the EVPN family in the global RIB.
	ListEVPN(ctx context.Context, fn func(*apipb.Path)) error

	// Close releases the underlying gRPC connection.
	Close() error
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("gobgp client is closed")

	// ErrDialFailed indicates the gRPC dial to GoBGP failed.
	ErrDialFailed = errors.New("gobgp gRPC dial failed")
)

// -------------------------------------------------------------------------
// GRPCClient
// -------------------------------------------------------------------------

// GRPCClient connects to GoBGP's gRPC API and implements the Client interface.
//
// The underlying gRPC connection uses insecure credentials (plaintext) because
// GoBGP's API is typically accessed on localhost in production deployments.
type GRPCClient struct {
	conn   *grpc.ClientConn
	api    apipb.GobgpApiClient
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// GRPCClientConfig holds connection parameters for the GoBGP gRPC client.
type GRPCClientConfig struct {
	// Addr is the GoBGP gRPC listen address (e.g., "127.0.0.1:50051").
	Addr string

	// DialTimeout is the maximum time to wait for the initial connection.
	// Zero means no timeout (use context deadline instead).
	DialTimeout time.Duration
}

// NewGRPCClient creates a new GoBGP gRPC client. grpc.NewClient does not
// block; connectivity is verified on the first RPC call.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger) (*GRPCClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("create gobgp client: %w: empty address", ErrDialFailed)
	}

	conn, err := grpc.NewClient(
		cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client to %s: %w: %w", cfg.Addr, ErrDialFailed, err)
	}

	client := &GRPCClient{
		conn: conn,
		api:  apipb.NewGobgpApiClient(conn),
		logger: logger.With(
			slog.String("component", "gobgp.client"),
			slog.String("addr", cfg.Addr),
		),
	}

	client.logger.Info("gobgp gRPC client created")

	return client, nil
}

func (c *GRPCClient) checkOpen(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("%s: %w", op, ErrClientClosed)
	}
	return nil
}

// AddPath adds path to the global table.
func (c *GRPCClient) AddPath(ctx context.Context, path *apipb.Path) error {
	if err := c.checkOpen("add path"); err != nil {
		return err
	}

	if _, err := c.api.AddPath(ctx, &apipb.AddPathRequest{
		TableType: apipb.TableType_GLOBAL,
		Path:      path,
	}); err != nil {
		return fmt.Errorf("add path: %w", err)
	}

	return nil
}

// DeletePath removes path from the global table.
func (c *GRPCClient) DeletePath(ctx context.Context, path *apipb.Path) error {
	if err := c.checkOpen("delete path"); err != nil {
		return err
	}

	if _, err := c.api.DeletePath(ctx, &apipb.DeletePathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    path.GetFamily(),
		Path:      path,
	}); err != nil {
		return fmt.Errorf("delete path: %w", err)
	}

	return nil
}

// WatchEVPN subscribes to best-path events and forwards EVPN paths to fn.
// It returns nil when ctx is cancelled.
func (c *GRPCClient) WatchEVPN(ctx context.Context, fn func(*apipb.Path)) error {
	if err := c.checkOpen("watch evpn"); err != nil {
		return err
	}

	stream, err := c.api.WatchEvent(ctx, &apipb.WatchEventRequest{
		Table: &apipb.WatchEventRequest_Table{
			Filters: []*apipb.WatchEventRequest_Table_Filter{{
				Type: apipb.WatchEventRequest_Table_Filter_BEST,
				Init: true,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("watch evpn: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch evpn recv: %w", err)
		}
		for _, p := range resp.GetTable().GetPaths() {
			if isEVPN(p.GetFamily()) {
				fn(p)
			}
		}
	}
}

// ListEVPN walks the EVPN family of the global table.
func (c *GRPCClient) ListEVPN(ctx context.Context, fn func(*apipb.Path)) error {
	if err := c.checkOpen("list evpn"); err != nil {
		return err
	}

	stream, err := c.api.ListPath(ctx, &apipb.ListPathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    evpnFamily(),
	})
	if err != nil {
		return fmt.Errorf("list evpn: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list evpn recv: %w", err)
		}
		for _, p := range resp.GetDestination().GetPaths() {
			fn(p)
		}
	}
}

// Close releases the underlying gRPC connection. After Close, all methods
// return ErrClientClosed.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close gobgp client: %w", err)
	}

	c.logger.Info("gobgp gRPC client closed")

	return nil
}
