package model

// Verdict is the answer of every verification against the server.
type Verdict int

const (
	// Unknown means the server could not be asked or did not answer.
	Unknown Verdict = iota
	Valid
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Optimistic is the one place Unknown is mapped to a decision: a network
// blip must never sever a caregiver-patient relationship, so only an
// explicit Invalid counts against a link.
func Optimistic(v Verdict) bool {
	return v != Invalid
}

// VerdictOf turns a server boolean answer into a verdict.
func VerdictOf(ok bool) Verdict {
	if ok {
		return Valid
	}
	return Invalid
}
