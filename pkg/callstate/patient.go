package callstate

// PatientInfo identifies the patient whose benefits are being verified. The
// values are spoken to the representative, so dates and IDs are kept as
// natural-language strings rather than parsed types.
type PatientInfo struct {
	Name            string `json:"name" yaml:"name"`
	DateOfBirth     string `json:"date_of_birth" yaml:"date_of_birth"`
	MemberID        string `json:"member_id" yaml:"member_id"`
	ActiveDate      string `json:"active_date" yaml:"active_date"`
	DateOfTreatment string `json:"date_of_treatment" yaml:"date_of_treatment"`
}

// DefaultPatientInfo returns the demo patient used when the config does not
// provide one. The member ID is spelled out letter by letter so the voice
// channel reads it at dictation pace.
func DefaultPatientInfo() PatientInfo {
	return PatientInfo{
		Name:            "John Doe",
		DateOfBirth:     "January 1st 1980",
		MemberID:        "M O Y 1 2 3 4 5 6 7 8 9",
		ActiveDate:      "12/31/2024",
		DateOfTreatment: "06/15/2024",
	}
}
