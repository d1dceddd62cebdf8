// Package filter narrows artifact history listings.
package filter

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dyluth/tailor/internal/timespec"
	"github.com/dyluth/tailor/pkg/blackboard"
)

// Criteria are ANDed together; zero values match everything.
type Criteria struct {
	Created  timespec.Range
	TypeGlob string // filepath.Match pattern on the artifact type
}

// Parse builds Criteria from the raw since, until and type values.
func Parse(since, until, typeGlob string, now time.Time) (Criteria, error) {
	r, err := timespec.ParseRange(since, until, now)
	if err != nil {
		return Criteria{}, err
	}
	if typeGlob != "" {
		if _, err := filepath.Match(typeGlob, ""); err != nil {
			return Criteria{}, fmt.Errorf("invalid type pattern %q: %w", typeGlob, err)
		}
	}
	return Criteria{Created: r, TypeGlob: typeGlob}, nil
}

// Matches returns true if a passes every criterion.
func (c Criteria) Matches(a *blackboard.Artifact) bool {
	if !c.Created.Contains(time.UnixMilli(a.CreatedAtMs)) {
		return false
	}
	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, a.Type)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// HasFilters returns true if any criterion is set.
func (c Criteria) HasFilters() bool {
	return !c.Created.IsZero() || c.TypeGlob != ""
}

// Apply returns the artifacts that match, keeping their order.
func (c Criteria) Apply(artifacts []*blackboard.Artifact) []*blackboard.Artifact {
	if !c.HasFilters() {
		return artifacts
	}
	out := make([]*blackboard.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if c.Matches(a) {
			out = append(out, a)
		}
	}
	return out
}
