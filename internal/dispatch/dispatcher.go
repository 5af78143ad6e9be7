// Package dispatch runs one capability call through a fixed sequence of
// stages: received, validated, credential_checked, invoked, enveloped. A
// call ends in exactly one of succeeded or failed, and no stage is entered
// after a failure.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"toolgate/internal/alert"
	"toolgate/internal/credential"
	"toolgate/internal/domain"
	"toolgate/internal/metrics"
	"toolgate/internal/tool"
	"toolgate/internal/validate"
)

// Stage is one step of a dispatch.
type Stage string

const (
	StageReceived          Stage = "received"
	StageValidated         Stage = "validated"
	StageCredentialChecked Stage = "credential_checked"
	StageInvoked           Stage = "invoked"
	StageEnveloped         Stage = "enveloped"
	StageSucceeded         Stage = "succeeded"
	StageFailed            Stage = "failed"
)

// Outcome is the record of one dispatch. Exactly one of Result and Err is
// meaningful: Err is nil on success.
type Outcome struct {
	RequestID  string
	Capability string
	Stages     []Stage
	Result     domain.ToolResult
	Err        *domain.ToolError
	Attempts   int
	Duration   time.Duration
}

// OK reports whether the dispatch succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Reached reports whether s was entered.
func (o Outcome) Reached(s Stage) bool {
	for _, st := range o.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Config tunes the dispatcher. Zero values select defaults.
type Config struct {
	// DefaultTimeout bounds adapters whose descriptor sets no timeout.
	DefaultTimeout time.Duration
	// MaxAttempts is 1 (no retry) or 2. Only upstream_unavailable failures
	// of non-billed capabilities are retried.
	MaxAttempts  int
	RetryBackoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Gateway
	Alerts  alert.Notifier
	Now     func() time.Time
}

// Dispatcher routes validated requests to capabilities. It holds no
// per-request state and is safe for concurrent use.
type Dispatcher struct {
	catalog *tool.Catalog
	creds   *credential.Resolver
	cfg     Config
	logger  *slog.Logger
}

func New(catalog *tool.Catalog, creds *credential.Resolver, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxAttempts > 2 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{catalog: catalog, creds: creds, cfg: cfg, logger: cfg.Logger}
}

func (d *Dispatcher) Catalog() *tool.Catalog { return d.catalog }

// Timeout returns the bound applied to calls of desc: its own timeout, or
// the dispatcher default.
func (d *Dispatcher) Timeout(desc domain.Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return desc.Timeout
	}
	return d.cfg.DefaultTimeout
}

func (d *Dispatcher) Credentials() *credential.Resolver { return d.creds }

// Dispatch runs the raw JSON body against the capability with the given ID.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID, capability string, body []byte) Outcome {
	return d.run(ctx, requestID, capability, func(desc domain.Descriptor, cp tool.Capability) (domain.ToolRequest, error) {
		return validate.Request(desc, body, cp)
	})
}

// DispatchArgs is Dispatch for an already-decoded argument map.
func (d *Dispatcher) DispatchArgs(ctx context.Context, requestID, capability string, args map[string]any) Outcome {
	return d.run(ctx, requestID, capability, func(desc domain.Descriptor, cp tool.Capability) (domain.ToolRequest, error) {
		return validate.Payload(desc, args, cp)
	})
}

type validateFunc func(domain.Descriptor, tool.Capability) (domain.ToolRequest, error)

func (d *Dispatcher) run(ctx context.Context, requestID, capability string, check validateFunc) (out Outcome) {
	start := d.cfg.Now()
	out = Outcome{RequestID: requestID, Capability: capability, Stages: []Stage{StageReceived}}
	logger := d.logger.With("request_id", requestID, "capability", capability)

	defer func() {
		out.Duration = d.cfg.Now().Sub(start)
		outcome := "ok"
		if out.Err != nil {
			outcome = string(out.Err.Kind())
		}
		d.cfg.Metrics.Call(capability, outcome, out.Duration)
	}()

	fail := func(err error) Outcome {
		te := domain.AsToolError(err)
		out.Err = te
		out.Stages = append(out.Stages, StageFailed)
		d.report(ctx, logger, out, te)
		return out
	}

	// Invoke has its own recovery; this covers validation rules, credential
	// checks and enveloping, which run on the caller's goroutine.
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		d.cfg.Metrics.Panic(capability)
		if out.Err != nil {
			logger.Error("panic after capability call failed", "panic", r, "stack", string(debug.Stack()))
			return
		}
		out.Result = domain.ToolResult{}
		fail(domain.Internal(fmt.Errorf("panic in %s: %v\n%s", capability, r, debug.Stack())))
	}()

	cp, ok := d.catalog.Get(capability)
	if !ok {
		return fail(domain.Validationf("unknown capability: %s", capability))
	}
	desc := cp.Descriptor()

	req, err := check(desc, cp)
	if err != nil {
		return fail(err)
	}
	out.Stages = append(out.Stages, StageValidated)

	if err := d.creds.Gate(desc); err != nil {
		return fail(err)
	}
	avail := d.creds.Check(desc)
	out.Stages = append(out.Stages, StageCredentialChecked)

	call := tool.Call{Request: req, Enhanced: avail.Enhanced, Secrets: d.creds.Snapshot()}
	out.Stages = append(out.Stages, StageInvoked)
	fields, attempts, err := d.invoke(ctx, logger, cp, desc, call)
	out.Attempts = attempts
	if err != nil {
		return fail(err)
	}

	res, err := d.envelope(fields)
	if err != nil {
		return fail(err)
	}
	out.Result = res
	out.Stages = append(out.Stages, StageEnveloped, StageSucceeded)
	logger.Info("capability call succeeded", "attempts", attempts, "duration", d.cfg.Now().Sub(start))
	return out
}

// envelope turns adapter fields into a result, checking that they carry a
// result and can be encoded.
func (d *Dispatcher) envelope(fields map[string]any) (domain.ToolResult, error) {
	if _, ok := fields["result"]; !ok {
		return domain.ToolResult{}, domain.Internal(errors.New("adapter returned no result field"))
	}
	res := domain.NewToolResult(fields, d.cfg.Now())
	if _, err := json.Marshal(res); err != nil {
		return domain.ToolResult{}, domain.Internal(fmt.Errorf("encode result: %w", err))
	}
	return res, nil
}

// invoke calls the adapter under its timeout, retrying once when allowed.
func (d *Dispatcher) invoke(ctx context.Context, logger *slog.Logger, cp tool.Capability, desc domain.Descriptor, call tool.Call) (map[string]any, int, error) {
	timeout := d.Timeout(desc)

	for attempt := 1; ; attempt++ {
		fields, err := d.invokeOnce(ctx, cp, desc, call, timeout)
		if err == nil {
			return fields, attempt, nil
		}
		if !d.retryable(desc, err) || attempt >= d.cfg.MaxAttempts {
			return nil, attempt, err
		}

		// Jitter keeps concurrent retries against one provider apart.
		backoff := d.cfg.RetryBackoff + time.Duration(rand.Int64N(int64(d.cfg.RetryBackoff/2+1)))
		logger.Warn("retrying capability call", "attempt", attempt+1, "backoff", backoff, "err", err)
		d.cfg.Metrics.Retry(desc.ID)
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) retryable(desc domain.Descriptor, err error) bool {
	return !desc.Billed && domain.KindOf(err) == domain.KindUpstreamUnavailable
}

type invocation struct {
	fields map[string]any
	err    error
}

// invokeOnce runs one adapter call. The adapter context is detached from
// ctx so a departing caller does not cancel work in flight; only the
// timeout does. On timeout the adapter goroutine is abandoned and its
// result discarded.
func (d *Dispatcher) invokeOnce(ctx context.Context, cp tool.Capability, desc domain.Descriptor, call tool.Call, timeout time.Duration) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan invocation, 1)
	inFlight := d.cfg.Metrics.InFlight(desc.ID)
	inFlight.Inc()
	go func() {
		defer inFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				d.cfg.Metrics.Panic(desc.ID)
				done <- invocation{err: domain.Internal(fmt.Errorf("panic in %s: %v\n%s", desc.ID, r, debug.Stack()))}
			}
		}()
		fields, err := cp.Invoke(callCtx, call)
		done <- invocation{fields: fields, err: err}
	}()

	select {
	case r := <-done:
		return r.fields, r.err
	case <-callCtx.Done():
		select {
		case r := <-done:
			return r.fields, r.err
		default:
		}
		d.cfg.Metrics.Abandoned(desc.ID)
		return nil, domain.Unavailable(fmt.Sprintf("%s did not respond within %s", desc.ID, timeout), callCtx.Err())
	}
}

// report logs a failure at the level its kind deserves. Internal failures
// also go to the operator alert sink.
func (d *Dispatcher) report(ctx context.Context, logger *slog.Logger, out Outcome, te *domain.ToolError) {
	attrs := []any{"kind", te.Kind(), "detail", te.Message(), "stage", out.Stages[len(out.Stages)-2]}
	switch te.Kind() {
	case domain.KindValidation:
		logger.Debug("capability call rejected", attrs...)
	case domain.KindCredentialMissing:
		logger.Info("capability call rejected", attrs...)
	case domain.KindUpstreamUnavailable, domain.KindUpstreamError:
		logger.Warn("capability call failed", append(attrs, "attempts", out.Attempts, "err", te.Unwrap())...)
	default:
		logger.Error("capability call failed", append(attrs, "err", te.Unwrap())...)
		if d.cfg.Alerts != nil {
			cause := ""
			if c := te.Unwrap(); c != nil {
				cause = c.Error()
			}
			d.cfg.Alerts.Notify(ctx, alert.Alert{
				Capability: out.Capability,
				RequestID:  out.RequestID,
				Message:    te.Message(),
				Cause:      cause,
				Time:       d.cfg.Now(),
			})
		}
	}
}
