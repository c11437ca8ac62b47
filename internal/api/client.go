package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"quantdesk/pkg/quantdesk"
)

// Error is a failed gRPC call with its decoded error document.
type Error struct {
	Err error
	quantdesk.ErrorResponse
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Client calls the quantdesk.Backtest gRPC service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr with insecure transport credentials. Extra options
// are appended.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Run executes one backtest.
func (c *Client) Run(ctx context.Context, req quantdesk.BacktestRequest) (*quantdesk.BacktestResult, error) {
	var out quantdesk.BacktestResult
	if err := c.invoke(ctx, methodRun, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Optimize executes a parameter sweep.
func (c *Client) Optimize(ctx context.Context, req quantdesk.OptimizeRequest) (*quantdesk.OptimizeResult, error) {
	var out quantdesk.OptimizeResult
	if err := c.invoke(ctx, methodOptimize, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStrategies returns the registered strategies.
func (c *Client) ListStrategies(ctx context.Context) ([]quantdesk.StrategyInfo, error) {
	var out struct {
		Strategies []quantdesk.StrategyInfo `json:"strategies"`
	}
	if err := c.invoke(ctx, methodListStrategies, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req := new(structpb.Struct)
	if err := protojson.Unmarshal(data, req); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		body, _ := errorDetail(err)
		return &Error{Err: err, ErrorResponse: body}
	}

	data, err = protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
