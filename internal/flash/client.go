package flash

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const defaultTimeout = 3 * time.Second

// Client talks to a flash Server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial prepares a client for addr. The connection is established lazily on
// the first call. timeout bounds each call; zero selects a default.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial flash %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// TurnOn switches the flash on.
func (c *Client) TurnOn(ctx context.Context) error {
	return c.invoke(ctx, methodTurnOn, &wrapperspb.BoolValue{})
}

// TurnOff switches the flash off.
func (c *Client) TurnOff(ctx context.Context) error {
	return c.invoke(ctx, methodTurnOff, &wrapperspb.BoolValue{})
}

// Stop asks the server to shut down.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, methodStop, &emptypb.Empty{})
}

// State reports whether the flash is on.
func (c *Client) State(ctx context.Context) (bool, error) {
	out := &wrapperspb.BoolValue{}
	if err := c.invoke(ctx, methodState, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return fmt.Errorf("%w: %v", ErrServerStopped, err)
		}
		return fmt.Errorf("flash %s: %w", method, err)
	}
	return nil
}
