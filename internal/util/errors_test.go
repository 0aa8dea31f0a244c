package util

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"classified", E(KindTransient, "write frame", errors.New("broken pipe")), KindTransient},
		{"wrapped classified", fmt.Errorf("add frame: %w", E(KindExhausted, "reset", nil)), KindExhausted},
		{"sentinel not ready", fmt.Errorf("open: %w", ErrNotReady), KindNotReady},
		{"sentinel corrupt", fmt.Errorf("probe: %w", ErrCorrupt), KindCorruption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifiedErrorMatchesSentinels(t *testing.T) {
	err := fmt.Errorf("load frame: %w", E(KindNotReady, "extract", errors.New("active chunk")))
	if !errors.Is(err, ErrNotReady) {
		t.Error("expected not-ready error to match ErrNotReady")
	}
	if errors.Is(err, ErrCorrupt) {
		t.Error("not-ready error must not match ErrCorrupt")
	}

	inner := errors.New("moov atom not found")
	err = E(KindCorruption, "extract", inner)
	if !errors.Is(err, ErrCorrupt) {
		t.Error("expected corruption error to match ErrCorrupt")
	}
	if !errors.Is(err, inner) {
		t.Error("expected wrapped cause to stay reachable")
	}
}
