// Package scan defines the dental scan order and the canonical form field
// contract used to build it.
package scan

import (
	"strings"

	"github.com/shineum/scan-intake/internal/intake"
)

// Text field names.
const (
	FieldSurgeonFirstName = "surgeon_first_name"
	FieldSurgeonLastName  = "surgeon_last_name"
	FieldPatientName      = "patient_name"
	FieldPatientLastName  = "patient_last_name"
	FieldScanType         = "scan_type"
	FieldConnectionType   = "connection_type"
	FieldImplantNotes     = "implant_notes"
	FieldComments         = "comments"
	FieldScanLink         = "scan_link"
)

// Multi-value field names.
const (
	FieldTeeth  = "teeth"
	FieldShades = "shades"
)

// File field names.
const (
	FileFrontalPhoto    = "frontal_photo"
	FileShadePhoto      = "shade_photo"
	FileAdditionalFiles = "additional_files"
)

// Order is a normalized scan submission.
type Order struct {
	SurgeonFirstName string
	SurgeonLastName  string
	PatientFirstName string
	PatientLastName  string
	ScanType         string
	ConnectionType   string
	ImplantNotes     string
	Comments         string
	ScanLink         string
	Teeth            []string
	Shades           []string
}

// Normalize resolves raw form values into an Order. It never fails: absent
// fields become empty strings or empty sequences.
func Normalize(fields intake.Fields) Order {
	return Order{
		SurgeonFirstName: scalar(fields, FieldSurgeonFirstName),
		SurgeonLastName:  scalar(fields, FieldSurgeonLastName),
		PatientFirstName: scalar(fields, FieldPatientName),
		PatientLastName:  scalar(fields, FieldPatientLastName),
		ScanType:         scalar(fields, FieldScanType),
		ConnectionType:   scalar(fields, FieldConnectionType),
		ImplantNotes:     scalar(fields, FieldImplantNotes),
		Comments:         scalar(fields, FieldComments),
		ScanLink:         scalar(fields, FieldScanLink),
		Teeth:            sequence(fields, FieldTeeth),
		Shades:           sequence(fields, FieldShades),
	}
}

// SurgeonName returns the surgeon's full name.
func (o Order) SurgeonName() string {
	return joinName(o.SurgeonFirstName, o.SurgeonLastName)
}

// PatientName returns the patient's full name.
func (o Order) PatientName() string {
	return joinName(o.PatientFirstName, o.PatientLastName)
}

// scalar returns the trimmed value of a single-valued field. A repeated
// field yields its first non-empty occurrence.
func scalar(fields intake.Fields, name string) string {
	switch v := fields[name].(type) {
	case intake.Scalar:
		return strings.TrimSpace(string(v))
	case intake.Sequence:
		for _, item := range v {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// sequence returns the trimmed, non-blank values of a multi-value field in
// submission order. Scalars and sequences normalize identically.
func sequence(fields intake.Fields, name string) []string {
	var raw []string
	switch v := fields[name].(type) {
	case intake.Scalar:
		raw = []string{string(v)}
	case intake.Sequence:
		raw = v
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func joinName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
