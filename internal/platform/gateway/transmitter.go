// Package gateway builds claim envelopes, POSTs them to insurance-network
// gateways and classifies what comes back.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
	"github.com/claimsgate/claimsgate/internal/platform/vault"
)

const (
	defaultUserAgent = "claimsgate/1.0"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 64 << 10
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

type Credentials struct {
	Username string
	Password string
}

// Target is everything the transmitter needs to reach one provider, with the
// secret already decrypted for this attempt.
type Target struct {
	ProviderID      uuid.UUID
	TenantID        string
	Code            string
	Name            string
	EndpointURL     string
	Environment     string
	Credentials     Credentials
	CertificatePath string
	Timeout         time.Duration
	SenderCode      string
	SenderName      string
}

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	// OutcomeSent means the gateway took the claim without a verdict.
	OutcomeSent Outcome = "sent"
)

// Result describes one attempt. It is returned even when Send fails so the
// caller can audit what was sent and how long it took.
type Result struct {
	Outcome         Outcome                `json:"outcome,omitempty"`
	StatusCode      int                    `json:"status_code,omitempty"`
	Latency         time.Duration          `json:"latency"`
	Message         string                 `json:"message,omitempty"`
	RemoteReference string                 `json:"remote_reference,omitempty"`
	Request         map[string]interface{} `json:"request,omitempty"`
	Response        map[string]interface{} `json:"response,omitempty"`
}

// ProbeResult is the outcome of a connectivity test.
type ProbeResult struct {
	Success    bool                   `json:"success"`
	StatusCode int                    `json:"status_code,omitempty"`
	LatencyMS  int64                  `json:"latency_ms"`
	Message    string                 `json:"message"`
	Response   map[string]interface{} `json:"response,omitempty"`
	TestedAt   time.Time              `json:"tested_at"`
}

// ---------------------------------------------------------------------------
// Transmitter
// ---------------------------------------------------------------------------

// Option configures a Transmitter.
type Option func(*Transmitter)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transmitter) { t.client = c }
}

// WithSender sets the default sender identity of every envelope.
func WithSender(code, name string) Option {
	return func(t *Transmitter) { t.sender = Party{Code: code, Name: name} }
}

func WithUserAgent(ua string) Option {
	return func(t *Transmitter) { t.userAgent = ua }
}

// Transmitter is safe for concurrent use.
type Transmitter struct {
	client    *http.Client
	validate  *validator.Validate
	sender    Party
	userAgent string
	now       func() time.Time
}

func NewTransmitter(opts ...Option) *Transmitter {
	t := &Transmitter{
		client:    &http.Client{},
		validate:  validator.New(),
		sender:    Party{Code: "CLINIC"},
		userAgent: defaultUserAgent,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send transmits claim to target. Errors are *claimerr.Error: validation for
// a malformed envelope, credential for refused or missing credentials,
// transport for timeouts, network failures, 408, 429 and 5xx. Any other
// response is classified into Result.Outcome with a nil error.
func (t *Transmitter) Send(ctx context.Context, target Target, claim Claim) (*Result, error) {
	res := &Result{}

	env, err := BuildEnvelope(t.validate, t.sender, target, claim, t.now())
	if err != nil {
		return res, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return res, claimerr.Validation("encode envelope", err)
	}

	headers := map[string]string{
		"X-Transaction-ID": claim.JobID.String(),
		"Idempotency-Key":  claim.JobID.String(),
		"X-Tenant-ID":      target.TenantID,
	}
	res.Request = captureRequest(target.EndpointURL, headers, env)

	resp, latency, err := t.post(ctx, target, body, headers)
	res.Latency = latency
	if err != nil {
		return res, err
	}

	res.StatusCode = resp.status
	res.Response = resp.capture()

	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		res.Message = fmt.Sprintf("provider refused credentials: HTTP %d", resp.status)
		return res, claimerr.Credential(res.Message, nil)
	case resp.status == http.StatusRequestTimeout || resp.status == http.StatusTooManyRequests || resp.status >= 500:
		res.Message = fmt.Sprintf("provider unavailable: HTTP %d", resp.status)
		return res, claimerr.Transport(res.Message, nil)
	case resp.status >= 400:
		res.Outcome = OutcomeRejected
		res.Message = fmt.Sprintf("provider rejected claim: HTTP %d%s", resp.status, suffix(resp.message()))
		return res, nil
	case resp.status >= 200 && resp.status < 300:
		res.Outcome, res.Message = resp.verdict()
		res.RemoteReference = resp.reference()
		return res, nil
	default:
		res.Message = fmt.Sprintf("unexpected response: HTTP %d", resp.status)
		return res, claimerr.Transport(res.Message, nil)
	}
}

// Probe sends a synthetic request and reports whether the gateway answered
// with a 2xx.
func (t *Transmitter) Probe(ctx context.Context, target Target) *ProbeResult {
	now := t.now()
	pr := &ProbeResult{TestedAt: now.UTC()}

	sender := t.sender
	if target.SenderCode != "" {
		sender = Party{Code: target.SenderCode, Name: target.SenderName}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"connection_test": true,
		"sender":          sender,
		"recipient":       Party{Code: target.Code, Name: target.Name},
		"environment":     target.Environment,
		"timestamp":       now.UTC(),
	})

	resp, latency, err := t.post(ctx, target, body, map[string]string{"X-Tenant-ID": target.TenantID})
	pr.LatencyMS = latency.Milliseconds()
	if err != nil {
		pr.Message = claimerr.As(err).Message
		return pr
	}

	pr.StatusCode = resp.status
	pr.Response = resp.capture()
	if resp.status >= 200 && resp.status < 300 {
		pr.Success = true
		pr.Message = "connection test successful"
	} else {
		pr.Message = fmt.Sprintf("connection test failed: HTTP %d", resp.status)
	}
	return pr
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

type response struct {
	status int
	raw    []byte
	doc    map[string]interface{}
}

func (t *Transmitter) post(ctx context.Context, target Target, body []byte, headers map[string]string) (*response, time.Duration, error) {
	if target.EndpointURL == "" {
		return nil, 0, claimerr.Configuration("provider has no endpoint")
	}

	client, err := t.clientFor(target)
	if err != nil {
		return nil, 0, err
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, claimerr.Wrap(claimerr.KindConfiguration, "invalid provider endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if target.Credentials.Username != "" || target.Credentials.Password != "" {
		req.SetBasicAuth(target.Credentials.Username, target.Credentials.Password)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, time.Since(start), claimerr.Transport("read response", err)
	}

	r := &response{status: resp.StatusCode, raw: raw}
	if len(raw) > 0 {
		var doc map[string]interface{}
		if json.Unmarshal(raw, &doc) == nil {
			r.doc = doc
		}
	}
	return r, time.Since(start), nil
}

// clientFor returns the shared client, or a copy presenting the provider's
// client certificate. The PEM file must hold both certificate and key.
func (t *Transmitter) clientFor(target Target) (*http.Client, error) {
	if target.CertificatePath == "" {
		return t.client, nil
	}

	cert, err := tls.LoadX509KeyPair(target.CertificatePath, target.CertificatePath)
	if err != nil {
		return nil, claimerr.Credential("client certificate unavailable", err)
	}

	var transport *http.Transport
	if base, ok := t.client.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	transport.TLSClientConfig.Certificates = []tls.Certificate{cert}

	c := *t.client
	c.Transport = transport
	return &c, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return claimerr.Transport("request timed out", err)
	case errors.Is(err, context.Canceled):
		return claimerr.Transport("request cancelled", err)
	default:
		return claimerr.Transport("connection failed", err)
	}
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

// verdict reads the gateway's "status" field. Anything other than an explicit
// acceptance or rejection is ambiguous.
func (r *response) verdict() (Outcome, string) {
	status := strings.ToLower(str(r.doc, "status"))
	switch status {
	case "accepted", "approved", "processed":
		return OutcomeAccepted, "claim accepted" + suffix(r.message())
	case "rejected", "denied", "refused":
		return OutcomeRejected, "claim rejected" + suffix(r.message())
	default:
		return OutcomeSent, "claim sent, awaiting confirmation" + suffix(r.message())
	}
}

func (r *response) message() string {
	for _, k := range []string{"message", "error", "detail", "reason"} {
		if s := str(r.doc, k); s != "" {
			return s
		}
	}
	return ""
}

func (r *response) reference() string {
	for _, k := range []string{"protocol", "protocol_number", "reference", "id"} {
		if s := str(r.doc, k); s != "" {
			return s
		}
	}
	return ""
}

func (r *response) capture() map[string]interface{} {
	out := map[string]interface{}{"status_code": r.status}
	if r.doc != nil {
		out["body"] = r.doc
	} else if len(r.raw) > 0 {
		text := string(r.raw)
		if len(text) > 1024 {
			text = text[:1024]
		}
		out["body"] = text
	}
	return out
}

func captureRequest(url string, headers map[string]string, env *Envelope) map[string]interface{} {
	h := map[string]interface{}{"Authorization": vault.Masked}
	for k, v := range headers {
		h[k] = v
	}
	var body map[string]interface{}
	raw, _ := json.Marshal(env)
	_ = json.Unmarshal(raw, &body)
	return map[string]interface{}{
		"method":  http.MethodPost,
		"url":     url,
		"headers": h,
		"body":    body,
	}
}

func str(doc map[string]interface{}, key string) string {
	if doc == nil {
		return ""
	}
	switch v := doc[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func suffix(s string) string {
	if s == "" {
		return ""
	}
	return ": " + s
}
