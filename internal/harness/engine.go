// Package harness executes resolved patterns against caller input under
// a timeout and failure policy. Pattern code never runs unsandboxed:
// scripts go through the interpreter host, expressions through the expr
// host, and json/workflow documents are parsed, never executed.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/override"
	"github.com/botfleet/botfleet/internal/patterns"
	"github.com/botfleet/botfleet/pkg/models"
)

// Error kinds surfaced on Result. Execution failures are result fields,
// never transport errors.
const (
	ErrKindExecution = "execution_failed"
	ErrKindTimeout   = "timeout"
	ErrKindCanceled  = "canceled"
)

// Deadline clamps. Callers can tighten a pattern's own timeout but
// never stretch an execution past MaxDeadline.
const (
	MinDeadline = time.Second
	MaxDeadline = 5 * time.Minute
	// MaxInjectDeadline bounds executions entering through the public
	// inject endpoint.
	MaxInjectDeadline = time.Minute
)

// CodeHost runs one pattern code type.
type CodeHost interface {
	Execute(ctx context.Context, p *models.Pattern, input, ectx map[string]interface{}) (interface{}, error)
}

// Result is the outcome of one harness run.
type Result struct {
	Success       bool                 `json:"success"`
	Output        interface{}          `json:"output,omitempty"`
	Error         string               `json:"error,omitempty"`
	ErrorKind     string               `json:"error_kind,omitempty"`
	FailureAction models.FailureAction `json:"failure_action,omitempty"`
	Attempts      int                  `json:"attempts"`
	DurationMs    int64                `json:"duration_ms"`
	PatternID     string               `json:"pattern_id"`
	Provenance    string               `json:"provenance,omitempty"`
}

// InjectRequest resolves and executes a pattern for an account/user on
// a container.
type InjectRequest struct {
	ContainerID  string                   `json:"container_id"`
	AccountID    string                   `json:"account_id"`
	UserID       string                   `json:"user_id,omitempty"`
	Strategy     models.SelectionStrategy `json:"strategy,omitempty"`
	ForceDefault bool                     `json:"force_default,omitempty"`
	Input        map[string]interface{}   `json:"input,omitempty"`
	Context      map[string]interface{}   `json:"context,omitempty"`
	TimeoutMs    int                      `json:"timeout_ms,omitempty"`
}

// Engine wires resolution, code hosts and stats recording together.
type Engine struct {
	patterns *patterns.Service
	resolver *override.Resolver
	hosts    map[models.PatternCodeType]CodeHost
}

// NewEngine builds an engine with the standard host set.
func NewEngine(ps *patterns.Service, res *override.Resolver) *Engine {
	script := newScriptHost()
	exprH := &exprHost{}
	static := &staticHost{}
	return &Engine{
		patterns: ps,
		resolver: res,
		hosts: map[models.PatternCodeType]CodeHost{
			models.CodeScript:     script,
			models.CodeExpression: exprH,
			models.CodeSelector:   exprH,
			models.CodeJSON:       static,
			models.CodeWorkflow:   static,
			models.CodeTemplate:   &templateHost{},
		},
	}
}

// Inject resolves the effective pattern for the request and executes it.
// Stats are recorded in full.
func (e *Engine) Inject(ctx context.Context, req InjectRequest) (*Result, error) {
	if req.ContainerID == "" {
		return nil, &models.ValidationError{Field: "container_id", Reason: "required"}
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = models.SelectPriority
	}
	resolution, err := e.resolver.Effective(ctx, req.AccountID, req.UserID, req.ContainerID, strategy, req.ForceDefault)
	if err != nil {
		return nil, err
	}
	result := e.run(ctx, resolution.Pattern, req.Input, req.Context, req.TimeoutMs, false)
	result.Provenance = resolution.Source
	return result, nil
}

// TestPattern executes a stored pattern directly with probe input. Only
// the execution counters move; latency aggregates and the last-executed
// timestamp stay untouched so probes never skew production stats.
func (e *Engine) TestPattern(ctx context.Context, patternID string, input, ectx map[string]interface{}, timeoutMs int) (*Result, error) {
	p, err := e.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, p, input, ectx, timeoutMs, true), nil
}

// Execute runs an already-resolved pattern. Used by callers that did
// their own resolution (the orchestrator's spawn path).
func (e *Engine) Execute(ctx context.Context, p *models.Pattern, input, ectx map[string]interface{}, timeoutMs int) *Result {
	return e.run(ctx, p, input, ectx, timeoutMs, false)
}

type hostResult struct {
	output interface{}
	err    error
}

// executionContext merges the caller's context under the harness-owned
// metadata keys, so pattern code always sees which pattern it is, where
// it runs, when, and whether this is a test run. The log handle writes
// through the structured logger tagged with the pattern.
func executionContext(p *models.Pattern, caller map[string]interface{}, testMode bool) map[string]interface{} {
	ectx := make(map[string]interface{}, len(caller)+6)
	for k, v := range caller {
		ectx[k] = v
	}
	plog := log.With().Str("pattern", p.ID).Str("container", p.ContainerID).Logger()
	ectx["pattern_id"] = p.ID
	ectx["pattern_name"] = p.Name
	ectx["container_id"] = p.ContainerID
	ectx["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	ectx["test_mode"] = testMode
	ectx["log"] = func(msg string) { plog.Info().Msg(msg) }
	return ectx
}

func (e *Engine) run(ctx context.Context, p *models.Pattern, input, ectx map[string]interface{}, callerTimeoutMs int, testMode bool) *Result {
	host, ok := e.hosts[p.CodeType]
	if !ok {
		return &Result{
			Success:       false,
			Error:         fmt.Sprintf("no host for code type %q", p.CodeType),
			ErrorKind:     ErrKindExecution,
			FailureAction: p.FailureAction,
			Attempts:      0,
			PatternID:     p.ID,
		}
	}

	deadline := effectiveDeadline(p.TimeoutMs, callerTimeoutMs)
	attempts := 1
	if p.FailureAction == models.FailureRetry && p.RetryCount > 0 {
		attempts += p.RetryCount
	}
	ectx = executionContext(p, ectx, testMode)

	start := time.Now()
	result := &Result{PatternID: p.ID, FailureAction: p.FailureAction}
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		output, errKind, errMsg := e.runOnce(ctx, host, p, input, ectx, deadline)
		if errKind == "" {
			result.Success = true
			result.Output = output
			result.Error = ""
			result.ErrorKind = ""
			break
		}
		result.Success = false
		result.Error = errMsg
		result.ErrorKind = errKind
		// A caller-cancelled context won't recover; retrying is pointless.
		if errKind == ErrKindCanceled {
			break
		}
		if attempt < attempts {
			log.Debug().Str("pattern", p.ID).Int("attempt", attempt).
				Str("kind", errKind).Msg("Pattern attempt failed, retrying")
		}
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if err := e.patterns.RecordExecution(ctx, p.ID, result.Success, result.DurationMs, testMode); err != nil {
		log.Warn().Err(err).Str("pattern", p.ID).Msg("Failed to record execution stats")
	}
	return result
}

// runOnce races the host against the deadline. The result channel is
// buffered so an abandoned runner's late write is dropped, never applied.
func (e *Engine) runOnce(ctx context.Context, host CodeHost, p *models.Pattern, input, ectx map[string]interface{}, deadline time.Duration) (interface{}, string, string) {
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ch := make(chan hostResult, 1)
	go func() {
		out, err := host.Execute(execCtx, p, input, ectx)
		ch <- hostResult{output: out, err: err}
	}()

	select {
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.Canceled) {
			return nil, ErrKindCanceled, fmt.Sprintf("pattern %s canceled by caller", p.ID)
		}
		return nil, ErrKindTimeout, fmt.Sprintf("pattern %s exceeded %s deadline", p.ID, deadline)
	case r := <-ch:
		if r.err != nil {
			return nil, ErrKindExecution, r.err.Error()
		}
		return r.output, "", ""
	}
}

// effectiveDeadline is min(pattern timeout, caller timeout) clamped to
// [MinDeadline, MaxDeadline]. A zero caller timeout means "pattern's own".
func effectiveDeadline(patternMs, callerMs int) time.Duration {
	ms := patternMs
	if callerMs > 0 && callerMs < ms {
		ms = callerMs
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinDeadline {
		d = MinDeadline
	}
	if d > MaxDeadline {
		d = MaxDeadline
	}
	return d
}
