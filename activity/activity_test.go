package activity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/orderflow/orderflow/fault"
)

func TestRetryPolicy_BackoffForAttempt_Table(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        10 * time.Second,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second}, // clamped to 1
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second}, // capped at MaxInterval
		{attempt: 20, want: 10 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.BackoffForAttempt(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %s want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPolicy_IsRetryable_Table(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.NonRetryableKinds = []fault.Kind{fault.KindInsufficient}

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "validation", err: fault.New(fault.KindValidation, "bad input"), want: false},
		{name: "illegal_state", err: fault.New(fault.KindIllegalState, "not chargeable"), want: false},
		{name: "cancelled", err: fault.New(fault.KindCancelled, "cancelled"), want: false},
		{name: "policy_non_retryable", err: fault.New(fault.KindInsufficient, "stock"), want: false},
		{name: "transient", err: fault.New(fault.KindTransient, "flaky"), want: true},
		{name: "timeout", err: fault.New(fault.KindTimeout, "deadline"), want: true},
		{name: "unclassified", err: errors.New("plain"), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.IsRetryable(tc.err); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestTyped_DecodeFailureIsValidation(t *testing.T) {
	type input struct {
		Quantity int `json:"quantity"`
	}
	act := Typed(func(ctx context.Context, in input) (interface{}, error) {
		return in.Quantity, nil
	})

	_, err := act.Execute(context.Background(), json.RawMessage(`{"quantity":"not a number"}`))
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	out, err := act.Execute(context.Background(), json.RawMessage(`{"quantity":3}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.(int) != 3 {
		t.Fatalf("got %v want 3", out)
	}
}

func TestNoRetry_SingleAttempt(t *testing.T) {
	p := NoRetry()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected single attempt, got %d", p.MaxAttempts)
	}
}
