package model

// CompletionStatus is the outcome recorded on a WorkItem or PartitionResult.
// The empty value means the item is still pending.
type CompletionStatus string

const (
	StatusPending        CompletionStatus = ""
	StatusSuccess        CompletionStatus = "Success"
	StatusWarning        CompletionStatus = "Warning"
	StatusError          CompletionStatus = "Error"
	StatusTemporaryError CompletionStatus = "TemporaryError"
	StatusTerminated     CompletionStatus = "Terminated"
)

// String returns the string representation of the status.
func (s CompletionStatus) String() string {
	if s == StatusPending {
		return "Pending"
	}
	return string(s)
}

// IsSuccess reports whether the status allows dependents of a restartable
// job to proceed.
func (s CompletionStatus) IsSuccess() bool {
	return s == StatusSuccess || s == StatusWarning
}

// IsFailure returns true for terminal failure states.
func (s CompletionStatus) IsFailure() bool {
	return s == StatusError || s == StatusTerminated
}

// Valid returns true if s is one of the known statuses.
func (s CompletionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusWarning, StatusError, StatusTemporaryError, StatusTerminated:
		return true
	}
	return false
}

// severity orders statuses for job rollup: Error > Terminated > Warning > Success.
func (s CompletionStatus) severity() int {
	switch s {
	case StatusError:
		return 4
	case StatusTerminated:
		return 3
	case StatusWarning:
		return 2
	case StatusSuccess:
		return 1
	}
	return 0
}

// Worse returns whichever of s and other is more severe.
func (s CompletionStatus) Worse(other CompletionStatus) CompletionStatus {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// Dependent phase sentinels. Values greater than zero name an explicit phase.
const (
	// DependentPhaseNone marks an item runnable without waiting on any phase.
	DependentPhaseNone = -1
	// DependentPhaseSelf waits for every item of the job with a lower phase.
	DependentPhaseSelf = 0
)

// OrphanAction selects what orphan recovery does with a crash survivor.
type OrphanAction string

const (
	OrphanReset  OrphanAction = "reset"
	OrphanDelete OrphanAction = "delete"
)
