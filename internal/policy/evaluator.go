package policy

import (
	"time"
)

// Evaluator runs security contexts against proposed tool calls. The
// contexts themselves are never mutated; rate-limit state lives in the
// evaluator.
type Evaluator struct {
	limiter *RateLimiter
	now     func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock overrides the time source used for rate-limit windows.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithRateLimiter shares a limiter between evaluators.
func WithRateLimiter(l *RateLimiter) EvaluatorOption {
	return func(e *Evaluator) { e.limiter = l }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		limiter: NewRateLimiter(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate decides whether agentID may call toolName with args under sc.
// It returns nil or a *Violation.
func (e *Evaluator) Evaluate(sc *SecurityContext, agentID, toolName string, args map[string]any) error {
	if sc == nil {
		return &Violation{Kind: KindToolNotAllowed, Tool: toolName, Reason: "no security context"}
	}

	index, capability, err := sc.Match(toolName)
	if err != nil {
		return err
	}

	if err := capability.Check(toolName, args); err != nil {
		return err
	}

	if capability.RateLimit != nil {
		key := limitKey{
			agentID: agentID,
			context: sc.Name,
			index:   index,
			pattern: capability.ToolPattern,
		}
		count, ok := e.limiter.Allow(key, *capability.RateLimit, e.now())
		if !ok {
			return &Violation{
				Kind:         KindRateLimitExceeded,
				Tool:         toolName,
				MaxCalls:     capability.RateLimit.Calls,
				CurrentCalls: count,
			}
		}
	}

	return nil
}

// Prune releases rate-limit counters for closed windows.
func (e *Evaluator) Prune() int {
	return e.limiter.Prune(e.now())
}
