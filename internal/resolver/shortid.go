// Package resolver expands short session ID prefixes, as printed by the CLI,
// to full session IDs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/tailor/pkg/blackboard"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// ErrShortIDTooShort is returned for prefixes under MinShortIDLength.
var ErrShortIDTooShort = errors.New("short ID too short")

// SessionLister lists every known session. *blackboard.Client satisfies it.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]*blackboard.Session, error)
}

// ResolveSessionID returns the full session ID for id.
//
// A full UUID is returned unchanged without a lookup; callers find out
// whether it exists when they read the session. Anything shorter must be a
// prefix of at least MinShortIDLength characters matching exactly one session.
func ResolveSessionID(ctx context.Context, sessions SessionLister, id string) (string, error) {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id, nil
	}

	if len(id) < MinShortIDLength {
		return "", fmt.Errorf("%w: must be at least %d characters (got %d)", ErrShortIDTooShort, MinShortIDLength, len(id))
	}

	all, err := sessions.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to search for session: %w", err)
	}

	var matches []string
	for _, s := range all {
		if strings.HasPrefix(s.ID, id) {
			matches = append(matches, s.ID)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: id}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: id, Matches: matches}
	}
}

// NotFoundError indicates no session matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no sessions found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple sessions matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

// Error lists up to 5 of the matches.
func (e *AmbiguousError) Error() string {
	shown := e.Matches
	if len(shown) > 5 {
		shown = shown[:5]
	}
	msg := fmt.Sprintf("ambiguous short ID '%s' matches %d sessions: %s", e.ShortID, len(e.Matches), strings.Join(shown, ", "))
	if len(e.Matches) > len(shown) {
		msg += fmt.Sprintf(" and %d more", len(e.Matches)-len(shown))
	}
	return msg
}
