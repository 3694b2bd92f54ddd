package ident

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/atmx/outcome-engine/internal/model"
)

func TestMarketID_Valid(t *testing.T) {
	if err := MarketID(uuid.New().String()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarketID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"market-1",
		"123e4567-e89b-12d3-a456-42661417400",  // short
		"{123e4567-e89b-12d3-a456-426614174000}", // braces
		"urn:uuid:123e4567-e89b-12d3-a456-426614174000",
	}
	for _, id := range tests {
		err := MarketID(id)
		if !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for %q, got %v", id, err)
		}
	}
}

func TestSubjectAndPrincipal(t *testing.T) {
	valid := []string{"acme-corp", "company:7421", "user@example.org", "A", "x_y.z"}
	for _, id := range valid {
		if err := Subject(id); err != nil {
			t.Errorf("subject %q: unexpected error %v", id, err)
		}
		if err := Principal("owner", id); err != nil {
			t.Errorf("principal %q: unexpected error %v", id, err)
		}
	}

	invalid := []string{"", " acme", "-lead", "has space", "semi;colon", strings.Repeat("a", 129)}
	for _, id := range invalid {
		if err := Subject(id); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("subject %q: expected ErrInvalidArgument, got %v", id, err)
		}
	}

	err := Principal("resolver", "bad id")
	if err == nil || !strings.Contains(err.Error(), "resolver") {
		t.Errorf("expected error naming the role, got %v", err)
	}
}

func TestQuestion(t *testing.T) {
	if err := Question("Will ACME beat Q3 earnings?"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Question("   "); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for blank question, got %v", err)
	}
	if err := Question(strings.Repeat("é", MaxQuestionLen)); err != nil {
		t.Errorf("multi-byte question at the limit should pass: %v", err)
	}
	if err := Question(strings.Repeat("q", MaxQuestionLen+1)); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for long question, got %v", err)
	}
}
