package groundtruth

import (
	"fmt"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Subset selects a partition of the queries.
type Subset string

const (
	SubsetTrain Subset = "train"
	SubsetValid Subset = "valid"
	SubsetAll   Subset = "all"
)

// ParseSubset validates a subset label.
func ParseSubset(s string) (Subset, error) {
	switch Subset(s) {
	case SubsetTrain, SubsetValid, SubsetAll:
		return Subset(s), nil
	default:
		return "", errors.ConfigurationErrorf("unknown subset %q (must be train, valid or all)", s)
	}
}

// Class is the graded relevance of a gallery image for one query.
type Class int

const (
	ClassNone Class = iota // not listed for the query
	ClassGood
	ClassOk
	ClassJunk
	ClassIgnore
)

func (c Class) String() string {
	switch c {
	case ClassGood:
		return "good"
	case ClassOk:
		return "ok"
	case ClassJunk:
		return "junk"
	case ClassIgnore:
		return "ignore"
	default:
		return "none"
	}
}

// Box is the query region from the query file, in pixels of the query image.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Set is the ground truth of a single query. Identifiers are disjoint across
// the four classes.
type Set struct {
	// Query is the query name, e.g. all_souls_1.
	Query string
	// Image is the identifier of the query image.
	Image string
	// Box is nil when the query file carries no region.
	Box *Box

	Good   map[string]struct{}
	Ok     map[string]struct{}
	Junk   map[string]struct{}
	Ignore map[string]struct{}

	relevant int
}

// NewSet builds a set from identifier lists and checks disjointness.
func NewSet(query, image string, good, ok, junk, ignore []string) (*Set, error) {
	s := &Set{
		Query:  query,
		Image:  image,
		Good:   make(map[string]struct{}, len(good)),
		Ok:     make(map[string]struct{}, len(ok)),
		Junk:   make(map[string]struct{}, len(junk)),
		Ignore: make(map[string]struct{}, len(ignore)),
	}

	classes := []struct {
		class Class
		ids   []string
		dst   map[string]struct{}
	}{
		{ClassGood, good, s.Good},
		{ClassOk, ok, s.Ok},
		{ClassJunk, junk, s.Junk},
		{ClassIgnore, ignore, s.Ignore},
	}

	for _, c := range classes {
		for _, id := range c.ids {
			if prev := s.Class(id); prev != ClassNone && prev != c.class {
				return nil, errors.ConfigurationError(fmt.Sprintf(
					"query %s: image %s listed as both %s and %s", query, id, prev, c.class))
			}
			c.dst[id] = struct{}{}
		}
	}

	s.relevant = len(s.Good) + len(s.Ok)
	return s, nil
}

// Class returns the relevance class of id.
func (s *Set) Class(id string) Class {
	if _, ok := s.Good[id]; ok {
		return ClassGood
	}
	if _, ok := s.Ok[id]; ok {
		return ClassOk
	}
	if _, ok := s.Junk[id]; ok {
		return ClassJunk
	}
	if _, ok := s.Ignore[id]; ok {
		return ClassIgnore
	}
	return ClassNone
}

// RelevantCount returns |good ∪ ok|.
func (s *Set) RelevantCount() int {
	return s.relevant
}

// QueryMap maps query names to their ground truth.
type QueryMap map[string]*Set
