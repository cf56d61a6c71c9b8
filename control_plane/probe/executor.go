package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

// ErrMsgStopped is the canonical error recorded when a probe is cut short
// by the operator stopping detection.
const ErrMsgStopped = "Detection stopped by user"

const (
	// DefaultTimeout bounds a single upstream probe end to end.
	DefaultTimeout = 30 * time.Second

	maxResponseContent = 2048
	maxBodyRead        = 64 * 1024
)

// Outcome is the result of one executed probe.
type Outcome struct {
	Kind            store.EndpointKind
	Status          store.EndpointStatus
	LatencyMs       int64
	StatusCode      *int
	ErrorMsg        *string
	ResponseContent *string
}

// FailOutcome builds a failed outcome with a canonical error message.
func FailOutcome(kind store.EndpointKind, latencyMs int64, msg string) *Outcome {
	return &Outcome{Kind: kind, Status: store.StatusFail, LatencyMs: latencyMs, ErrorMsg: &msg}
}

// Executor performs HTTP probes against prebuilt requests, with optional
// forward proxies.
type Executor struct {
	cache   *clientCache
	timeout time.Duration
}

// NewExecutor creates an Executor with the default per-probe timeout.
func NewExecutor() *Executor {
	return &Executor{cache: newClientCache(), timeout: DefaultTimeout}
}

// NewExecutorWithTimeout is used by tests to shrink the probe deadline.
func NewExecutorWithTimeout(timeout time.Duration) *Executor {
	return &Executor{cache: newClientCache(), timeout: timeout}
}

// Execute runs one probe. It never returns an error: transport, protocol,
// parse and cancellation failures all map to a fail Outcome with a short
// canonical message. The context is honored at connect, during headers and
// during the body read.
func (e *Executor) Execute(ctx context.Context, kind store.EndpointKind, req *Request, proxyURL string) *Outcome {
	start := time.Now()

	client, err := e.cache.get(proxyURL)
	if err != nil {
		return FailOutcome(kind, 0, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return FailOutcome(kind, 0, err.Error())
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return FailOutcome(kind, time.Since(start).Milliseconds(), classifyTransportError(ctx, err))
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	latency := time.Since(start).Milliseconds()
	if readErr != nil {
		return FailOutcome(kind, latency, classifyTransportError(ctx, readErr))
	}

	status, errMsg := ParseOutcome(kind, resp.StatusCode, body)

	out := &Outcome{Kind: kind, Status: status, LatencyMs: latency}
	code := resp.StatusCode
	out.StatusCode = &code
	if errMsg != "" {
		out.ErrorMsg = &errMsg
	}
	if len(body) > 0 {
		content := string(truncate(body, maxResponseContent))
		out.ResponseContent = &content
	}
	return out
}

// classifyTransportError maps wire-level failures to the short strings the
// dashboard shows.
func classifyTransportError(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrMsgStopped
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	}
	// ctx may have been canceled while the error surfaced as a wrapped
	// url.Error; prefer the cancellation cause.
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "timeout"
		}
		return ErrMsgStopped
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns failure"
	}
	var certErr *tls.CertificateVerificationError
	var recErr tls.RecordHeaderError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &recErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostErr) ||
		strings.Contains(err.Error(), "tls:") {
		return "tls error"
	}

	msg := err.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
