package ownership

import (
	"errors"
	"fmt"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

// Violation is raised (via panic) when code touches a section it does not
// own. It indicates a data race and is never recovered from.
type Violation struct {
	Worker   int
	Bound    bool
	RegionID uint64
	Section  section.Pos
	Block    [2]int
	HasBlock bool
	Reason   string
}

func (v *Violation) Error() string {
	where := fmt.Sprintf("section %s", v.Section)
	if v.HasBlock {
		where = fmt.Sprintf("block (%d,%d)", v.Block[0], v.Block[1])
	}
	if !v.Bound {
		return fmt.Sprintf("ownership violation: %s accessed off-tick: %s", where, v.Reason)
	}
	return fmt.Sprintf("ownership violation: worker %d (region %d) accessed %s: %s", v.Worker, v.RegionID, where, v.Reason)
}

// AsViolation unwraps a recovered panic value.
func AsViolation(v any) (*Violation, bool) {
	switch x := v.(type) {
	case *Violation:
		return x, true
	case error:
		var ov *Violation
		if errors.As(x, &ov) {
			return ov, true
		}
	}
	return nil, false
}
