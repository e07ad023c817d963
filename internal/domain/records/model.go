package records

import (
	"time"

	"github.com/retinaview/retinaview/internal/platform/imaging"
	"github.com/retinaview/retinaview/internal/platform/reporting"
)

// Eye identifies which eye a scan was taken of.
type Eye string

const (
	EyeLeft  Eye = "left"
	EyeRight Eye = "right"
)

// ParseEye accepts the two enumerated values, case-insensitively.
func ParseEye(s string) (Eye, error) {
	switch Eye(lower(s)) {
	case EyeLeft:
		return EyeLeft, nil
	case EyeRight:
		return EyeRight, nil
	}
	return "", invalidf("eye must be %q or %q, got %q", EyeLeft, EyeRight, s)
}

// DateLayout is the wire format of scan dates.
const DateLayout = "2006-01-02"

// Patient is a single imaging subject.
type Patient struct {
	PatientID string    `json:"patient_id"`
	ScanDate  time.Time `json:"scan_date"`
	Eye       Eye       `json:"eye"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisPolicy documents how repeated submissions for one patient combine:
// the newer analysis replaces the older one wholesale and no history is kept.
const AnalysisPolicy = "replace"

// Analysis is the operator-entered diagnosis for a patient.
type Analysis struct {
	PatientID   string    `json:"patient_id"`
	Diagnosis   string    `json:"diagnosis"`
	Confidence  float64   `json:"confidence"`
	Details     *string   `json:"details,omitempty"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Findings converts the analysis into the report generator's input.
// A nil analysis yields nil findings.
func (a *Analysis) Findings() *reporting.Findings {
	if a == nil {
		return nil
	}
	return &reporting.Findings{
		Diagnosis:  a.Diagnosis,
		Confidence: a.Confidence,
		Details:    a.Details,
	}
}

// Notification is a free-text message broadcast to every operator.
type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Attachment references a file persisted by the attachment storage backend.
type Attachment struct {
	PatientID      string             `json:"patient_id"`
	StoredFilename string             `json:"stored_filename"`
	OriginalName   string             `json:"original_name"`
	Size           int64              `json:"size"`
	SHA256         string             `json:"sha256"`
	ContentType    string             `json:"content_type"`
	Kind           imaging.Kind       `json:"kind"`
	DICOM          *imaging.DICOMInfo `json:"dicom,omitempty"`
	Image          *imaging.ImageInfo `json:"image,omitempty"`
	UploadedAt     time.Time          `json:"uploaded_at"`
}

// File is one upload as received from the presentation layer.
type File struct {
	Name string
	Data []byte
}

// SearchParams holds the optional filters of a patient search. Empty
// strings mean "no filter".
type SearchParams struct {
	PatientID string
	Diagnosis string
}

// Summary is the aggregate view shown on the dashboard.
type Summary struct {
	Patients       int            `json:"patients"`
	Analyses       int            `json:"analyses"`
	Notifications  int            `json:"notifications"`
	Attachments    int            `json:"attachments"`
	Diagnoses      map[string]int `json:"diagnoses"`
	MeanConfidence float64        `json:"mean_confidence"`
	ByEye          map[Eye]int    `json:"by_eye"`
}
