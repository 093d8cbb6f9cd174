package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/badaitech/chaingraph-go/engine"
	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/store"
)

func TestTransientClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", fmt.Errorf("connection reset by peer"), true},
		{"wrapped plain error", fmt.Errorf("update row: %w", fmt.Errorf("broken pipe")), true},
		{"context cancelled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"start timeout", fmt.Errorf("%w after 5s", ErrStartTimeout), false},
		{"depth exceeded", fmt.Errorf("spawn: %w", engine.ErrDepthExceeded), false},
		{"not found", fmt.Errorf("load: %w", store.ErrNotFound), false},
		{"terminal row", store.ErrTerminal, false},
		{"claim lost", store.ErrClaimLost, false},
		{"unknown node type", fmt.Errorf("deserialize: %w", flow.ErrUnknownNodeType), false},
		{"validation", &flow.ValidationError{Message: "bad port"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transient(tc.err); got != tc.want {
				t.Fatalf("transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	first := backoffDelay(0, base, max)
	if first < base || first >= 2*base {
		t.Fatalf("first delay = %v, want [%v, %v)", first, base, 2*base)
	}
	capped := backoffDelay(10, base, max)
	if capped < max || capped >= max+base {
		t.Fatalf("capped delay = %v, want [%v, %v)", capped, max, max+base)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	var p RetryPolicy
	p.defaults()
	if p.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		t.Fatalf("delays = %v / %v", p.BaseDelay, p.MaxDelay)
	}
	if p.Retryable == nil {
		t.Fatal("Retryable not defaulted")
	}

	// Explicit single-attempt policies stay single-attempt.
	one := RetryPolicy{MaxAttempts: 1}
	one.defaults()
	if one.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", one.MaxAttempts)
	}
}
