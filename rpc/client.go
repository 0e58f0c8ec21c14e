// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpc defines the boundary to a storage agent: a generic
// call primitive with per-call deadlines, a closed failure taxonomy,
// and the typed argument/result records of the agent protocol.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

var logger = loggo.GetLogger("moac.rpc")

// Client is the call primitive consumed by the fabric layer. Call
// unmarshals the agent's result into reply, which must be a pointer.
// Close releases the channel; in-flight and subsequent calls fail
// with CodeCancelled or CodeUnavailable.
type Client interface {
	Call(ctx context.Context, method string, args, reply interface{}) error
	Close() error
}

// DialOptions configure Dial.
type DialOptions struct {
	// CallTimeout bounds each call that arrives without its own
	// deadline. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// DialAttempts bounds the initial connection probe.
	// Zero means DefaultDialAttempts.
	DialAttempts int

	// Clock drives the dial retry delays. Nil means wall clock.
	Clock clock.Clock
}

const (
	// DefaultCallTimeout matches the agent side's worst-case
	// response time for list operations on a loaded node.
	DefaultCallTimeout = 30 * time.Second

	// DefaultDialAttempts and dialRetryDelay bound the initial
	// connection probe before the node poller takes over as the
	// retry vehicle.
	DefaultDialAttempts = 3

	dialRetryDelay = time.Second
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the agent's JSON framing over the gRPC transport.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

// Dial opens a channel to the storage agent at endpoint and probes it
// with a bounded retry. The returned client maps transport failures
// onto the Code taxonomy.
func Dial(endpoint string, opts DialOptions) (Client, error) {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DialAttempts == 0 {
		opts.DialAttempts = DefaultDialAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	var conn *grpc.ClientConn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), opts.CallTimeout)
			defer cancel()
			var dialErr error
			conn, dialErr = grpc.DialContext(ctx, endpoint,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
				grpc.WithBlock(),
			)
			return dialErr
		},
		NotifyFunc: func(lastErr error, attempt int) {
			logger.Debugf("dial %q attempt %d failed: %v", endpoint, attempt, lastErr)
		},
		Attempts: opts.DialAttempts,
		Delay:    dialRetryDelay,
		Clock:    opts.Clock,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %q", endpoint)
	}
	return &grpcClient{
		conn:        conn,
		callTimeout: opts.CallTimeout,
	}, nil
}

type grpcClient struct {
	conn        *grpc.ClientConn
	callTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Call implements Client.
func (c *grpcClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Errorf(CodeCancelled, "call %s: client closed", method)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if err := c.conn.Invoke(ctx, method, args, reply); err != nil {
		return mapGrpcError(method, err)
	}
	return nil
}

// Close implements Client.
func (c *grpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Trace(c.conn.Close())
}

func mapGrpcError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return Errorf(CodeInternal, "%s: %v", method, err)
	}
	var code Code
	switch st.Code() {
	case codes.NotFound:
		code = CodeNotFound
	case codes.AlreadyExists:
		code = CodeAlreadyExists
	case codes.Unavailable:
		code = CodeUnavailable
	case codes.Canceled:
		code = CodeCancelled
	case codes.DeadlineExceeded:
		code = CodeDeadlineExceeded
	default:
		code = CodeInternal
	}
	return Errorf(code, "%s: %s", method, st.Message())
}
