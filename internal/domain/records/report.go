package records

import (
	"context"
	"errors"

	"github.com/retinaview/retinaview/internal/platform/reporting"
)

// Report renders the PDF report of a known patient from its current
// analysis, if any.
func (s *Store) Report(ctx context.Context, patientID string) ([]byte, error) {
	p, err := s.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	pdf, err := reporting.Generate(p.PatientID, s.lookupAnalysis(p.PatientID).Findings())
	if errors.Is(err, reporting.ErrUnrenderable) {
		return nil, invalidf("report for patient %q: %v", p.PatientID, err)
	}
	return pdf, err
}
