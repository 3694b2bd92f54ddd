package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("engine: market m1: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("%w: share amount must be positive", ErrInvalidArgument), KindInvalidArgument},
		{ErrMarketClosed, KindMarketClosed},
		{fmt.Errorf("%w: holding 1, selling 2", ErrInsufficientShares), KindInsufficientShares},
		{ErrAlreadyResolved, KindAlreadyResolved},
		{fmt.Errorf("commit: %w", fmt.Errorf("version 3: %w", ErrConflict)), KindConflict},
		{context.Canceled, KindInternal},
		{errors.New("connection refused"), KindInternal},
		{nil, KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseOutcome("YES"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("outcomes are case-sensitive, got %v", err)
	}
	if o, err := ParseOutcome("no"); err != nil || o != OutcomeNo {
		t.Errorf("ParseOutcome(no) = %v, %v", o, err)
	}
	if _, err := ParseSide("short"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	r, err := ParseResolution("invalid")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Winner(); ok {
		t.Error("invalid resolution has no winner")
	}
	if w, ok := ResolutionNo.Winner(); !ok || w != OutcomeNo {
		t.Errorf("ResolutionNo.Winner() = %v, %v", w, ok)
	}
}
