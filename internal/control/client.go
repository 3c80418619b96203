// ABOUTME: gRPC client for the running proxy's handler control API.
// ABOUTME: Adds and removes users on the live inbound without touching the config file.

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnavailable marks failures to reach the control API at all, as
// opposed to the API rejecting an operation.
var ErrUnavailable = errors.New("proxy control API unavailable")

// Client talks to the proxy's handler service. The connection is
// established lazily and reused; gRPC handles reconnects underneath.
type Client struct {
	addr         string
	opTimeout    time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient creates a Client for the control API at addr
// (host:port, loopback in the sidecar deployment).
func NewClient(addr string, opTimeout, probeTimeout time.Duration, logger *slog.Logger) *Client {
	if opTimeout == 0 {
		opTimeout = 10 * time.Second
	}
	if probeTimeout == 0 {
		probeTimeout = 2 * time.Second
	}
	return &Client{
		addr:         addr,
		opTimeout:    opTimeout,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// IsAvailable probes whether anything is listening on the control
// port. A cheap TCP dial, not an RPC: it answers "is the process up",
// not "will the next operation succeed".
func (c *Client) IsAvailable() bool {
	conn, err := net.DialTimeout("tcp", c.addr, c.probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (c *Client) handler() (command.HandlerServiceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		conn, err := grpc.NewClient(c.addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.conn = conn
	}
	return command.NewHandlerServiceClient(c.conn), nil
}

// AddUser registers a user on the live inbound identified by tag. The
// proxy keys users by email, so the provided label must be unique
// within the inbound.
func (c *Client) AddUser(ctx context.Context, tag, id, email, flow string) error {
	handler, err := c.handler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	account := serial.ToTypedMessage(&vless.Account{
		Id:   id,
		Flow: flow,
	})
	_, err = handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: tag,
		Operation: serial.ToTypedMessage(&command.AddUserOperation{
			User: &protocol.User{
				Level:   0,
				Email:   email,
				Account: account,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("adding user to live inbound %q: %w", tag, err)
	}
	c.logger.Debug("live add applied", "tag", tag, "email", email)
	return nil
}

// RemoveUser deregisters a user from the live inbound by email.
func (c *Client) RemoveUser(ctx context.Context, tag, email string) error {
	handler, err := c.handler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	_, err = handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: tag,
		Operation: serial.ToTypedMessage(&command.RemoveUserOperation{
			Email: email,
		}),
	})
	if err != nil {
		return fmt.Errorf("removing user from live inbound %q: %w", tag, err)
	}
	c.logger.Debug("live remove applied", "tag", tag, "email", email)
	return nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
