package records

import (
	"context"
	"strings"
)

// Search scans every patient in insertion order. A patient matches when the
// id filter is empty or contained in its id, and the diagnosis filter is
// empty or contained in the diagnosis of its current analysis. Both
// comparisons ignore case. A patient without an analysis never matches a
// non-empty diagnosis filter.
func (s *Store) Search(_ context.Context, params SearchParams) []*Patient {
	idQuery := strings.ToLower(params.PatientID)
	dxQuery := strings.ToLower(params.Diagnosis)

	s.patients.mu.RLock()
	snapshot := make([]Patient, 0, len(s.patients.order))
	for _, id := range s.patients.order {
		snapshot = append(snapshot, *s.patients.byID[id])
	}
	s.patients.mu.RUnlock()

	results := make([]*Patient, 0)
	for i := range snapshot {
		p := snapshot[i]
		if idQuery != "" && !strings.Contains(strings.ToLower(p.PatientID), idQuery) {
			continue
		}
		if dxQuery != "" {
			a := s.lookupAnalysis(p.PatientID)
			if a == nil || !strings.Contains(strings.ToLower(a.Diagnosis), dxQuery) {
				continue
			}
		}
		results = append(results, &p)
	}
	return results
}

// Summary aggregates the store for the dashboard. Diagnoses are grouped
// case-insensitively under their lower-cased text.
func (s *Store) Summary(_ context.Context) Summary {
	sum := Summary{
		Diagnoses: make(map[string]int),
		ByEye:     make(map[Eye]int),
	}

	s.patients.mu.RLock()
	sum.Patients = len(s.patients.order)
	for _, p := range s.patients.byID {
		sum.ByEye[p.Eye]++
	}
	s.patients.mu.RUnlock()

	s.analyses.mu.RLock()
	sum.Analyses = len(s.analyses.byID)
	var total float64
	for _, a := range s.analyses.byID {
		sum.Diagnoses[strings.ToLower(a.Diagnosis)]++
		total += a.Confidence
	}
	if sum.Analyses > 0 {
		sum.MeanConfidence = total / float64(sum.Analyses)
	}
	s.analyses.mu.RUnlock()

	s.notifications.mu.RLock()
	sum.Notifications = len(s.notifications.order)
	s.notifications.mu.RUnlock()

	s.attachments.mu.RLock()
	for _, list := range s.attachments.byPatient {
		sum.Attachments += len(list)
	}
	s.attachments.mu.RUnlock()

	return sum
}
