package registry

import (
	"strings"

	"github.com/mesikahq/emr-bridge/internal/patient"
)

// fieldMap fixes which local fields feed which registry columns. The
// registry's column names are its own; adding a mapping here is the only
// change needed when the registry grows a column.
var fieldMap = []struct {
	local  string
	remote string
}{
	{"full_name", "Name"},
	{"birth_date", "Birth Date"},
	{"address", "Address"},
	{"workplace", "Workplace"},
	{"ward", "Ward"},
	{"bed", "Bed"},
	{"attending_physician", "Attending Physician"},
	{"admission_date", "Admission Date"},
	{"diagnosis", "Diagnosis"},
	{"diagnosis_codes", "Diagnosis Codes"},
	{"trauma_date", "Trauma Date"},
	{"treatment_notes", "Treatment"},
}

func localValue(rec patient.Record, local string) string {
	switch local {
	case "full_name":
		return rec.FullName
	case "birth_date":
		return rec.BirthDate
	case "address":
		return rec.Address
	case "workplace":
		return rec.Workplace
	case "ward":
		return rec.Ward
	case "bed":
		return rec.Bed
	case "attending_physician":
		return rec.AttendingPhysician
	case "admission_date":
		return rec.AdmissionDate
	case "diagnosis":
		return rec.Diagnosis
	case "diagnosis_codes":
		return strings.Join(rec.DiagnosisCodes, ", ")
	case "trauma_date":
		return rec.TraumaDate
	case "treatment_notes":
		return rec.TreatmentNotes
	}
	return ""
}
