package classifier

import (
	"context"
	"errors"
	"strings"
)

// Hybrid reports the union of its members' matches. It fails only when
// every member failed.
type Hybrid struct {
	members []Classifier
}

func NewHybrid(members ...Classifier) *Hybrid {
	out := make([]Classifier, 0, len(members))
	for _, m := range members {
		if m != nil {
			out = append(out, m)
		}
	}
	return &Hybrid{members: out}
}

func (h *Hybrid) Name() string {
	names := make([]string, 0, len(h.members))
	for _, m := range h.members {
		names = append(names, m.Name())
	}
	return "hybrid(" + strings.Join(names, ",") + ")"
}

func (h *Hybrid) Check(ctx context.Context, text string) ([]string, error) {
	var (
		all  []string
		errs []error
	)
	for _, m := range h.members {
		matched, err := m.Check(ctx, text)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, matched...)
	}
	if len(h.members) > 0 && len(errs) == len(h.members) {
		return nil, errors.Join(errs...)
	}
	return normalize(all), nil
}

var _ Classifier = (*Hybrid)(nil)
