package sched

// Priority is the numeric priority carried by a Thread. Its meaning depends
// on the active Policy: under FixedPriorityRR, larger is more urgent; under
// EDF, it is interpreted as a deadline, so smaller is more urgent. Spec.md
// §4.3 calls this inversion out explicitly and requires it be encapsulated
// in one comparator the rest of the code calls — that comparator is
// Policy.Higher.
type Priority int

// Policy selects between the two compile-time-switchable scheduling
// disciplines named in spec.md §4.3. "Compile-time" in the original C++
// design; here it is a constructor-time choice (see SPEC_FULL.md's
// discussion of kernel.Option), since Go has no non-type template
// parameters to switch on.
type Policy interface {
	// Higher reports whether a has strictly higher scheduling urgency than
	// b. Ties (Higher(a,b) and Higher(b,a) both false) are broken by FIFO
	// readiness order, uniformly, by the caller.
	Higher(a, b Priority) bool
	// Name identifies the policy, for diagnostics.
	Name() string
}

// FixedPriorityRR is fixed-priority scheduling with round-robin rotation
// among threads at the same priority level (spec.md §4.3).
type FixedPriorityRR struct{}

func (FixedPriorityRR) Higher(a, b Priority) bool { return a > b }
func (FixedPriorityRR) Name() string              { return "fixed-priority-round-robin" }

// EDF is earliest-deadline-first scheduling: Priority is interpreted as a
// deadline, so the smallest value is most urgent (spec.md §4.3).
type EDF struct{}

func (EDF) Higher(a, b Priority) bool { return a < b }
func (EDF) Name() string              { return "earliest-deadline-first" }
