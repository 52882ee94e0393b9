// Package bitcoinrpc implements a typed Bitcoin JSON-RPC 1.0/2.0 client: a
// Client owning an atomic request-id counter, HTTP Basic auth, configurable
// timeouts, retries of transport errors and timeouts (up to
// Config.MaxRetries) with bounded exponential backoff, and typed helpers layered over one generic Call method.
package bitcoinrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/errs"
)

// Config configures a Client's bitcoin_rpc block.
type Config struct {
	Host       string
	User       string
	Password   string
	Timeout    time.Duration
	MaxRetries int
}

// Client is a typed Bitcoin JSON-RPC client.
type Client struct {
	cfg    Config
	http   *http.Client
	lg     *logrus.Logger
	nextID int64

	reg           *prometheus.Registry
	callsTotal    *prometheus.CounterVec
	latencySecond *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
}

// New builds a Client. A zero or negative Config.MaxRetries defaults to 3
// retries, so a call then makes at most four attempts.
func New(cfg Config, lg *logrus.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	reg := prometheus.NewRegistry()
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		lg:   lg,
		reg:  reg,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_calls_total", Help: "Bitcoin RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		latencySecond: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rpc_latency_seconds", Help: "Bitcoin RPC call latency", Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_retries_total", Help: "Bitcoin RPC call retries after a transport error",
		}, []string{"method"}),
	}
	reg.MustRegister(c.callsTotal, c.latencySecond, c.retriesTotal)
	return c
}

// Registry exposes the client's Prometheus registry for mounting.
func (c *Client) Registry() *prometheus.Registry { return c.reg }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call issues one JSON-RPC request, retrying up to cfg.MaxRetries times with
// bounded exponential backoff on transport errors only; protocol-level
// errors (a non-nil RPC error object) are returned immediately without
// retry.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddInt64(&c.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return errs.WithCorrelation(errs.Wrap(errs.InvalidInput, err, "encode rpc request"), fmt.Sprint(id))
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retriesTotal.WithLabelValues(method).Inc()
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return errs.WithCorrelation(errs.Wrap(errs.Timeout, ctx.Err(), "rpc call cancelled during backoff"), fmt.Sprint(id))
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		resp, err := c.doOnce(ctx, method, body, id, out)
		c.latencySecond.WithLabelValues(method).Observe(time.Since(start).Seconds())

		if err == nil {
			c.callsTotal.WithLabelValues(method, "ok").Inc()
			return nil
		}
		if ce, ok := err.(*errs.CoreError); ok && ce.Kind == errs.RpcError {
			// Protocol-level rejection: not retryable.
			c.callsTotal.WithLabelValues(method, "rpc_error").Inc()
			return err
		}
		lastErr = err
		_ = resp
		c.callsTotal.WithLabelValues(method, "transport_error").Inc()
		c.lg.Warnf("bitcoinrpc: %s attempt %d/%d failed: %v", method, attempt+1, c.cfg.MaxRetries+1, err)
	}
	return errs.WithCorrelation(errs.Wrap(errs.TransportError, lastErr, fmt.Sprintf("%s failed after %d attempts", method, c.cfg.MaxRetries+1)), fmt.Sprint(id))
}

func (c *Client) doOnce(ctx context.Context, method string, body []byte, id int64, out any) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)

	httpResp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, err, "rpc request timed out")
		}
		return nil, errs.Wrap(errs.TransportError, err, "rpc transport failure")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, err, "read rpc response body")
	}
	if httpResp.StatusCode >= 500 {
		return nil, errs.Wrap(errs.TransportError, fmt.Errorf("http %d", httpResp.StatusCode), "server error")
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(errs.TransportError, err, "decode rpc response")
	}
	if resp.Error != nil {
		return &resp, errs.WithCorrelation(errs.New(errs.RpcError, fmt.Sprintf("%d: %s", resp.Error.Code, resp.Error.Message)), fmt.Sprint(id))
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return &resp, errs.Wrap(errs.RpcError, err, "decode rpc result")
		}
	}
	return &resp, nil
}
