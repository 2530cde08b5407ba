package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	base := E(NotFound, "node.Delete", "node not found")
	wrapped := fmt.Errorf("handler: %w", base)
	if got := KindOf(wrapped); got != NotFound {
		t.Fatalf("expected %q, got %q", NotFound, got)
	}
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Fatalf("expected internal for unclassified error, got %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(StorageUnavailable, "op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestPartialCarriesFailures(t *testing.T) {
	cause := errors.New("connection reset")
	err := Partial("webhook.Handle", "1 of 2 fetches failed", []SubFailure{
		{Step: "fetch", Target: "node-1/dep-1", Err: cause},
	})
	if KindOf(err) != PartialFailure {
		t.Fatalf("expected partial failure kind, got %q", KindOf(err))
	}
	failures := FailuresOf(fmt.Errorf("wrapped: %w", err))
	if len(failures) != 1 || failures[0].Target != "node-1/dep-1" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected cause in message, got %q", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		NodeNotConnected:   true,
		StorageUnavailable: true,
		AgentUnavailable:   true,
		Validation:         false,
		PartialFailure:     false,
		Unauthorized:       false,
	}
	for kind, want := range cases {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s: expected retryable=%v, got %v", kind, want, got)
		}
	}
}
