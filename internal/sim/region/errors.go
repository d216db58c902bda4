package region

import "fmt"

// StructuralRaceError is raised (via panic) when the partition is entered
// from two goroutines at once. Only the coordinator may touch it.
type StructuralRaceError struct {
	Op     string
	Active string
}

func (e *StructuralRaceError) Error() string {
	return fmt.Sprintf("structural race: %s entered while %s in progress", e.Op, e.Active)
}

// SplitHookError is raised when OnSplit returns the wrong number of payloads.
type SplitHookError struct {
	RegionID uint64
	Want     int
	Got      int
}

func (e *SplitHookError) Error() string {
	return fmt.Sprintf("split hook for region %d returned %d payloads, want %d", e.RegionID, e.Got, e.Want)
}
