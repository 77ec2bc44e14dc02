package resolver

import (
	"fmt"
	"strings"
)

// RejectedCandidate records one candidate considered for an unsatisfied
// reference and why it was not usable.
type RejectedCandidate struct {
	Candidate string
	Repo      string
	Reason    string
}

// UnsatisfiableError reports a dependency that could not be satisfied after
// all alternatives and backtrack points were exhausted. Chain is the
// dependency path from a requested root package to the failing reference.
type UnsatisfiableError struct {
	Ref        string
	Chain      []string
	Considered []RejectedCandidate
}

func (e *UnsatisfiableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unsatisfiable dependency %s", e.Ref)
	if len(e.Chain) > 0 {
		fmt.Fprintf(&b, " (required via %s)", strings.Join(e.Chain, " -> "))
	}
	for _, r := range e.Considered {
		fmt.Fprintf(&b, "\n  candidate %s from %s rejected: %s", r.Candidate, r.Repo, r.Reason)
	}
	if len(e.Considered) == 0 {
		b.WriteString("\n  no candidate found in any configured repository")
	}
	return b.String()
}

// PreDependsCycleError reports a cycle among Pre-Depends relations, which
// makes a valid unpack order impossible.
type PreDependsCycleError struct {
	Packages []string
}

func (e *PreDependsCycleError) Error() string {
	return fmt.Sprintf("Pre-Depends cycle among %s", strings.Join(e.Packages, ", "))
}
