package failures

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsStepFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"step", Step("flaky test"), true},
		{"fatal step", FatalStep("sync broke"), true},
		{"wrapped step", fmt.Errorf("stage: %w", Step("flaky")), true},
		{"plain error", errors.New("boom"), false},
		{"internal", Internal(errors.New("boom")), false},
		{"compound of steps", Compound(Step("a"), Step("b")), true},
		{"compound with internal", Compound(Step("a"), Internal(errors.New("b"))), false},
	}
	for _, tt := range tests {
		if got := IsStepFailure(tt.err); got != tt.want {
			t.Errorf("IsStepFailure(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"step", Step("flaky"), false},
		{"fatal step", FatalStep("sync broke"), true},
		{"plain error", errors.New("boom"), true},
		{"internal", Internal(errors.New("boom")), true},
		{"compound of non-fatal", Compound(Step("a"), Step("b")), false},
		{"compound with fatal member", Compound(Step("a"), FatalStep("b")), true},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCompound(t *testing.T) {
	if err := Compound(); err != nil {
		t.Errorf("Compound() = %v, want nil", err)
	}
	if err := Compound(nil, nil); err != nil {
		t.Errorf("Compound(nil, nil) = %v, want nil", err)
	}

	single := Step("only")
	if err := Compound(nil, single); err != single {
		t.Errorf("Compound with one error = %v, want the error itself", err)
	}

	err := Compound(Step("a"), Step("b"))
	var cf *CompoundFailure
	if !errors.As(err, &cf) {
		t.Fatalf("Compound with two errors = %T, want *CompoundFailure", err)
	}
	if len(cf.Errs) != 2 {
		t.Errorf("CompoundFailure has %d members, want 2", len(cf.Errs))
	}
	if !strings.Contains(cf.Error(), "a") || !strings.Contains(cf.Error(), "b") {
		t.Errorf("Error() = %q, want both member summaries", cf.Error())
	}
	detail := cf.Detail()
	if !strings.Contains(detail, "2 members") {
		t.Errorf("Detail() = %q, want member count", detail)
	}
}

func TestInternalUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Internal(cause)
	if !errors.Is(err, cause) {
		t.Error("Internal(err) should unwrap to the cause")
	}
	if Internal(nil) != nil {
		t.Error("Internal(nil) should be nil")
	}
}
