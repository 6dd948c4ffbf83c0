// Package activity provides interfaces and registration for the named,
// side-effecting operations invoked by workflows. Activities are the only
// place non-deterministic work happens; their observed results are
// recorded in the instance log.
package activity

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/orderflow/orderflow/fault"
)

// Activity represents a unit of work that can be executed within a workflow.
// Input arrives as the JSON recorded in the scheduling decision; the
// returned value is serialized into the completion event.
type Activity interface {
	// Name returns the unique name of this activity
	Name() string

	// Execute runs the activity with the given context and input
	Execute(ctx context.Context, input json.RawMessage) (interface{}, error)
}

// ActivityFunc is a function-based activity implementation
type ActivityFunc func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Execute implements Activity
func (f ActivityFunc) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	return f(ctx, input)
}

// Name implements Activity
func (f ActivityFunc) Name() string {
	return "anonymous"
}

// Typed adapts a function over a concrete input type into an Activity.
// Decoding failure is a ValidationError and is never retried.
func Typed[I any](fn func(ctx context.Context, input I) (interface{}, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fault.Wrap(fault.KindValidation, err, "decode activity input")
			}
		}
		return fn(ctx, in)
	}
}

// Info holds metadata about an activity
type Info struct {
	Name        string
	Description string
	// Timeout is the start-to-close timeout for a single invocation.
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines retry behavior for an activity
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	NonRetryableKinds  []fault.Kind
}

// DefaultRetryPolicy returns a sensible default retry policy for activities
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        time.Minute,
	}
}

// NoRetry returns a policy that allows a single attempt.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        1,
		InitialInterval:    time.Second,
		BackoffCoefficient: 1.0,
		MaxInterval:        time.Second,
	}
}

// IsRetryable reports whether the error's kind may be retried under this
// policy. Validation and illegal-state failures are never retried;
// unclassified errors default to retryable.
func (p *RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind := fault.KindOf(err)
	switch kind {
	case fault.KindValidation, fault.KindIllegalState, fault.KindCancelled:
		return false
	}
	for _, k := range p.NonRetryableKinds {
		if kind == k {
			return false
		}
	}
	return true
}

// BackoffForAttempt returns min(maxInterval, initial * coef^(attempt-1))
// for 1-based attempt numbers.
func (p *RetryPolicy) BackoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	d := time.Duration(float64(p.InitialInterval) * math.Pow(coef, float64(attempt-1)))
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}
