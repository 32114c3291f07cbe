package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"buildcalc/server/internal/telemetry"
)

var (
	// ErrTimeout is returned when a call outlives its timeout.
	ErrTimeout = errors.New("engine: call timed out")
	// ErrClosed is returned for calls pending or issued after the transport
	// failed or the client stopped.
	ErrClosed = errors.New("engine: client closed")
	// ErrEngine wraps failures reported by the engine itself.
	ErrEngine = errors.New("engine: evaluation failed")
)

// Transport moves framed messages to and from the engine. Receive blocks
// until a message arrives or the transport is closed.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// CallOptions tunes a single call.
type CallOptions struct {
	// Timeout rejects the call when no response arrived in time. Zero waits
	// until the context is done.
	Timeout time.Duration
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Defaults CallOptions
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
}

// DefaultClientConfig returns the default client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Defaults: CallOptions{Timeout: 10 * time.Second}}
}

type response struct {
	result json.RawMessage
	err    error
}

// Client correlates requests and responses by sequence id. Responses may
// complete in any order. Run must be running for calls to complete.
type Client struct {
	transport Transport
	cfg       ClientConfig

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan response
	closed  error
}

// NewClient wraps transport.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	return &Client{transport: transport, cfg: cfg, pending: make(map[uint64]chan response)}
}

// Run reads responses until ctx is done or the transport fails. Either way
// every pending call is rejected with ErrClosed and later calls fail fast.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.transport.Close()
	})
	defer stop()

	for {
		payload, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.failAll(fmt.Errorf("%w: %v", ErrClosed, ctx.Err()))
				return nil
			}
			c.failAll(fmt.Errorf("%w: %v", ErrClosed, err))
			return fmt.Errorf("engine: receive: %w", err)
		}
		c.dispatch(payload)
	}
}

// Close stops the client and closes the transport.
func (c *Client) Close() error {
	c.failAll(ErrClosed)
	return c.transport.Close()
}

// Build asks the engine to construct the entity graph.
func (c *Client) Build(ctx context.Context, req BuildRequest) error {
	result, err := c.Call(ctx, MethodBuild, req, c.cfg.Defaults)
	if err != nil {
		return err
	}
	return topLevelError(result)
}

// Eval submits an evaluation request.
func (c *Client) Eval(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	result, err := c.Call(ctx, MethodEval, req, c.cfg.Defaults)
	if err != nil {
		return nil, err
	}
	return decodeEvaluate(result)
}

// Explain requests the breakdown of one stat.
func (c *Client) Explain(ctx context.Context, req ExplainRequest) (Explanation, error) {
	result, err := c.Call(ctx, MethodExplain, req, c.cfg.Defaults)
	if err != nil {
		return Explanation{}, err
	}
	if err := topLevelError(result); err != nil {
		return Explanation{}, err
	}
	return Explanation{Entity: req.Entity, Stat: req.Stat, Tree: result}, nil
}

// Call sends method with params and waits for the matching response, the
// timeout in opts, or ctx cancellation. A timed out or cancelled call is
// removed from the pending set; a late response for it is dropped.
func (c *Client) Call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	seq := c.seq.Add(1)
	payload, err := json.Marshal(envelope{Seq: seq, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("engine: encode %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[seq] = ch
	pending := len(c.pending)
	c.mu.Unlock()
	c.cfg.Metrics.Add(telemetry.MetricEngineCalls, 1)
	c.cfg.Metrics.Store(telemetry.MetricEnginePending, uint64(pending))

	if err := c.transport.Send(ctx, payload); err != nil {
		c.forget(seq)
		c.cfg.Metrics.Add(telemetry.MetricEngineFailures, 1)
		return nil, fmt.Errorf("engine: send %s: %w", method, err)
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			c.cfg.Metrics.Add(telemetry.MetricEngineFailures, 1)
		}
		return resp.result, resp.err
	case <-timeout:
		c.forget(seq)
		c.cfg.Metrics.Add(telemetry.MetricEngineTimeouts, 1)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, opts.Timeout)
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	}
}

// Pending reports the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) dispatch(payload []byte) {
	seq, resp, ok := decodeResponse(payload)
	if !ok {
		c.cfg.Logger.Printf("engine: discarding message without seq: %.120s", payload)
		return
	}
	c.mu.Lock()
	ch, found := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if !found {
		c.cfg.Logger.Printf("engine: dropping response for unknown or expired seq %d", seq)
		return
	}
	ch <- resp
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: err}
	}
}
