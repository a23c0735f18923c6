package types

// Results is the terminal outcome code shared by build requests and
// buildsets. PENDING is the sentinel stored before completion.
type Results int

const (
	ResultsPending   Results = -1
	ResultsSuccess   Results = 0
	ResultsWarnings  Results = 1
	ResultsFailure   Results = 2
	ResultsException Results = 3
	ResultsRetry     Results = 4
	ResultsCancelled Results = 5
)

func (r Results) String() string {
	switch r {
	case ResultsPending:
		return "pending"
	case ResultsSuccess:
		return "success"
	case ResultsWarnings:
		return "warnings"
	case ResultsFailure:
		return "failure"
	case ResultsException:
		return "exception"
	case ResultsRetry:
		return "retry"
	case ResultsCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Worst returns the more severe of the two codes. Severity follows the code
// ordering: success < warnings < failure < exception < retry < cancelled.
func (r Results) Worst(other Results) Results {
	if other > r {
		return other
	}
	return r
}
