package graph

import "github.com/pkg/errors"

// ErrStructuralInconsistency marks a broken graph invariant. It is fatal:
// the pass pipeline aborts when it sees it.
var ErrStructuralInconsistency = errors.New("structural inconsistency")

// inconsistent wraps ErrStructuralInconsistency with a formatted message.
func inconsistent(format string, args ...any) error {
	return errors.Wrapf(ErrStructuralInconsistency, format, args...)
}
