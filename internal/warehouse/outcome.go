package warehouse

import "fmt"

// RowStatus classifies the terminal state of one staging row in a sync run.
type RowStatus int

const (
	RowSucceeded RowStatus = iota
	RowSkipped
	RowFailed
)

func (s RowStatus) String() string {
	switch s {
	case RowSucceeded:
		return "succeeded"
	case RowSkipped:
		return "skipped"
	case RowFailed:
		return "failed"
	default:
		return fmt.Sprintf("RowStatus(%d)", int(s))
	}
}

// RowOutcome is the per-row record of one sync decision. Skipped rows carry
// a reason, failed rows carry the error; a row is never both.
type RowOutcome struct {
	ExternalID string
	Status     RowStatus
	Reason     string
	Err        error
}

func succeededRow(externalID string) RowOutcome {
	return RowOutcome{ExternalID: externalID, Status: RowSucceeded}
}

func skippedRow(externalID, reason string) RowOutcome {
	return RowOutcome{ExternalID: externalID, Status: RowSkipped, Reason: reason}
}

func failedRow(externalID string, err error) RowOutcome {
	return RowOutcome{ExternalID: externalID, Status: RowFailed, Err: err}
}

// Result aggregates the outcomes of one fact sync run. The counts are what
// callers branch on; Outcomes keeps the per-row detail for observability.
type Result struct {
	Succeeded int
	Skipped   int
	Failed    int

	Outcomes []RowOutcome
}

func (r *Result) record(o RowOutcome) {
	switch o.Status {
	case RowSucceeded:
		r.Succeeded++
	case RowSkipped:
		r.Skipped++
	case RowFailed:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Seen reports the number of rows that reached a terminal state.
func (r *Result) Seen() int { return r.Succeeded + r.Skipped + r.Failed }
