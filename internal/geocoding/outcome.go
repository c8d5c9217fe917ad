package geocoding

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNoResult
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoResult:
		return "no_result"
	default:
		return "error"
	}
}

// Outcome is the result of geocoding one address.
type Outcome struct {
	Kind        OutcomeKind
	Coordinates *Coordinates
	Message     string
}

func Success(c *Coordinates) Outcome {
	return Outcome{Kind: OutcomeSuccess, Coordinates: c}
}

func NoResult() Outcome {
	return Outcome{Kind: OutcomeNoResult, Message: "no result"}
}

func Error(message string) Outcome {
	return Outcome{Kind: OutcomeError, Message: message}
}
