// Package classifier decides whether transcript text carries fraud
// indicators. Every implementation reports the full set of matched
// indicators; an empty set means no fraud.
package classifier

import (
	"context"
	"sort"
	"strings"
)

type Classifier interface {
	Name() string
	Check(ctx context.Context, text string) ([]string, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, text string) ([]string, error)

func (f Func) Name() string { return "func" }

func (f Func) Check(ctx context.Context, text string) ([]string, error) { return f(ctx, text) }

// normalize lower-cases, trims, drops empties and duplicates, and sorts.
func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
