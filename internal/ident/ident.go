// Package ident validates the identifiers and free text the engine accepts
// from callers: market ids, subject references, principal ids and market
// questions. Malformed input is reported as model.ErrInvalidArgument before
// any state is read.
package ident

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/atmx/outcome-engine/internal/model"
)

// MaxQuestionLen is the longest accepted market question, in runes.
const MaxQuestionLen = 500

// refRegex matches subject and principal references, e.g. "acme-corp",
// "company:7421" or "user@example.org".
var refRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// MarketID checks that id is a canonical UUID string.
func MarketID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != strings.ToLower(id) {
		return fmt.Errorf("%w: malformed market id %q", model.ErrInvalidArgument, id)
	}
	return nil
}

// Subject checks a tracked-subject reference.
func Subject(id string) error {
	if !refRegex.MatchString(id) {
		return fmt.Errorf("%w: malformed subject id %q", model.ErrInvalidArgument, id)
	}
	return nil
}

// Principal checks an authenticated principal id. role names the field in
// the error ("owner", "creator", "resolver").
func Principal(role, id string) error {
	if !refRegex.MatchString(id) {
		return fmt.Errorf("%w: malformed %s id %q", model.ErrInvalidArgument, role, id)
	}
	return nil
}

// Question checks a market question: non-blank, at most MaxQuestionLen runes.
func Question(q string) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return fmt.Errorf("%w: question is required", model.ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(q); n > MaxQuestionLen {
		return fmt.Errorf("%w: question is %d characters, max %d", model.ErrInvalidArgument, n, MaxQuestionLen)
	}
	return nil
}
