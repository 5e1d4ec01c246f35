package verify

// Status is the trust level assigned to a face verification.
// Values are persisted and returned on the wire as-is.
type Status string

const (
	StatusOK        Status = "ok"
	StatusUncertain Status = "dudoso"
	StatusBlocked   Status = "bloqueado"
)

// Similarity thresholds shared by exam login and every attendance check.
const (
	OKThreshold        = 0.8
	UncertainThreshold = 0.6
)

// Classify maps an oracle similarity score to a Status.
// A missing face is always blocked, whatever the score.
func Classify(similarity float64, faceDetected bool) Status {
	switch {
	case !faceDetected:
		return StatusBlocked
	case similarity >= OKThreshold:
		return StatusOK
	case similarity >= UncertainThreshold:
		return StatusUncertain
	default:
		return StatusBlocked
	}
}

// Allowed reports whether the status lets a student start or continue an exam.
func (s Status) Allowed() bool {
	return s == StatusOK || s == StatusUncertain
}
