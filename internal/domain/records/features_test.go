package records

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/retinaview/retinaview/internal/platform/auth"
	"github.com/retinaview/retinaview/internal/platform/blobstore"
)

// scenario holds state for a single scenario
type scenario struct {
	store   *Store
	lastErr error
	results []*Patient
	report  []byte

	creds   *auth.CredentialStore
	session *auth.Session
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	s := &scenario{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		s.store, s.lastErr, s.results, s.report = nil, nil, nil, nil
		s.creds, s.session = nil, &auth.Session{}
		return ctx, nil
	})

	sc.Step(`^an empty record store$`, s.anEmptyRecordStore)
	sc.Step(`^patient "([^"]*)" scanned on "([^"]*)" of the "([^"]*)" eye$`, s.existingPatient)
	sc.Step(`^I create patient "([^"]*)" scanned on "([^"]*)" of the "([^"]*)" eye$`, s.iCreatePatient)
	sc.Step(`^patient "([^"]*)" has scan date "([^"]*)" and eye "([^"]*)"$`, s.patientHas)
	sc.Step(`^the last operation succeeds$`, s.lastOperationSucceeds)
	sc.Step(`^the last operation fails with "([^"]*)"$`, s.lastOperationFailsWith)

	sc.Step(`^I submit diagnosis "([^"]*)" with confidence (-?\d+(?:\.\d+)?) for "([^"]*)"$`, s.iSubmitDiagnosis)
	sc.Step(`^I submit diagnosis "([^"]*)" with confidence (-?\d+(?:\.\d+)?) and details "([^"]*)" for "([^"]*)"$`, s.iSubmitDiagnosisWithDetails)
	sc.Step(`^the analysis of "([^"]*)" is "([^"]*)" with confidence (-?\d+(?:\.\d+)?)$`, s.analysisIs)

	sc.Step(`^I search with id "([^"]*)" and diagnosis "([^"]*)"$`, s.iSearch)
	sc.Step(`^the results are "([^"]*)"$`, s.resultsAre)

	sc.Step(`^I upload no files for "([^"]*)"$`, s.iUploadNoFiles)
	sc.Step(`^I upload "([^"]*)" for "([^"]*)"$`, s.iUpload)
	sc.Step(`^"([^"]*)" has (\d+) attachments with distinct stored names$`, s.hasDistinctAttachments)

	sc.Step(`^I generate the report for "([^"]*)"$`, s.iGenerateReport)
	sc.Step(`^the report contains "([^"]*)"$`, s.reportContains)
	sc.Step(`^the report does not contain "([^"]*)"$`, s.reportDoesNotContain)

	sc.Step(`^the default credentials$`, s.theDefaultCredentials)
	sc.Step(`^I log in as "([^"]*)" with password "([^"]*)"$`, s.iLogIn)
	sc.Step(`^the session identity is "([^"]*)"$`, s.sessionIdentityIs)
	sc.Step(`^the login fails$`, s.loginFails)
	sc.Step(`^the session has no identity$`, s.sessionHasNoIdentity)
}

// -- Records --

func (s *scenario) anEmptyRecordStore() error {
	s.store = NewStore(blobstore.NewMemoryStore(), Options{})
	return nil
}

func (s *scenario) existingPatient(id, date, eye string) error {
	if err := s.iCreatePatient(id, date, eye); err != nil {
		return err
	}
	return s.lastErr
}

func (s *scenario) iCreatePatient(id, date, eye string) error {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return err
	}
	_, s.lastErr = s.store.CreatePatient(context.Background(), id, d, Eye(eye))
	return nil
}

func (s *scenario) patientHas(id, date, eye string) error {
	p, err := s.store.GetPatient(context.Background(), id)
	if err != nil {
		return err
	}
	if got := p.ScanDate.Format(DateLayout); got != date {
		return fmt.Errorf("expected scan date %s, got %s", date, got)
	}
	if string(p.Eye) != eye {
		return fmt.Errorf("expected eye %s, got %s", eye, p.Eye)
	}
	return nil
}

func (s *scenario) lastOperationSucceeds() error {
	if s.lastErr != nil {
		return fmt.Errorf("expected success, got %v", s.lastErr)
	}
	return nil
}

func (s *scenario) lastOperationFailsWith(kind string) error {
	if got := Kind(s.lastErr); got != kind {
		return fmt.Errorf("expected %s, got %q (%v)", kind, got, s.lastErr)
	}
	return nil
}

func (s *scenario) iSubmitDiagnosis(diagnosis string, confidence float64, id string) error {
	_, s.lastErr = s.store.SubmitAnalysis(context.Background(), id, diagnosis, confidence, nil)
	return nil
}

func (s *scenario) iSubmitDiagnosisWithDetails(diagnosis string, confidence float64, details, id string) error {
	_, s.lastErr = s.store.SubmitAnalysis(context.Background(), id, diagnosis, confidence, &details)
	return nil
}

func (s *scenario) analysisIs(id, diagnosis string, confidence float64) error {
	a, err := s.store.GetAnalysis(context.Background(), id)
	if err != nil {
		return err
	}
	if a.Diagnosis != diagnosis || a.Confidence != confidence {
		return fmt.Errorf("expected %s/%v, got %s/%v", diagnosis, confidence, a.Diagnosis, a.Confidence)
	}
	return nil
}

func (s *scenario) iSearch(id, diagnosis string) error {
	s.results = s.store.Search(context.Background(), SearchParams{PatientID: id, Diagnosis: diagnosis})
	return nil
}

func (s *scenario) resultsAre(csv string) error {
	got := make([]string, len(s.results))
	for i, p := range s.results {
		got[i] = p.PatientID
	}
	if strings.Join(got, ",") != csv {
		return fmt.Errorf("expected %s, got %s", csv, strings.Join(got, ","))
	}
	return nil
}

func (s *scenario) iUploadNoFiles(id string) error {
	_, s.lastErr = s.store.AddAttachments(context.Background(), id, nil)
	return nil
}

func (s *scenario) iUpload(name, id string) error {
	_, s.lastErr = s.store.AddAttachments(context.Background(), id, []File{{Name: name, Data: []byte(name)}})
	return nil
}

func (s *scenario) hasDistinctAttachments(id string, n int) error {
	list, err := s.store.ListAttachments(context.Background(), id)
	if err != nil {
		return err
	}
	if len(list) != n {
		return fmt.Errorf("expected %d attachments, got %d", n, len(list))
	}
	seen := make(map[string]bool)
	for _, a := range list {
		if seen[a.StoredFilename] {
			return fmt.Errorf("stored name %s used twice", a.StoredFilename)
		}
		seen[a.StoredFilename] = true
	}
	return nil
}

func (s *scenario) iGenerateReport(id string) error {
	var err error
	s.report, err = s.store.Report(context.Background(), id)
	return err
}

func (s *scenario) reportContains(text string) error {
	if !bytes.Contains(s.report, []byte(text)) {
		return fmt.Errorf("report does not contain %q", text)
	}
	return nil
}

func (s *scenario) reportDoesNotContain(text string) error {
	if bytes.Contains(s.report, []byte(text)) {
		return fmt.Errorf("report unexpectedly contains %q", text)
	}
	return nil
}

// -- Session --

func (s *scenario) theDefaultCredentials() error {
	var err error
	s.creds, err = auth.DefaultCredentials()
	return err
}

func (s *scenario) iLogIn(user, password string) error {
	s.lastErr = s.session.Login(s.creds, user, password)
	return nil
}

func (s *scenario) sessionIdentityIs(user string) error {
	if s.lastErr != nil {
		return fmt.Errorf("login failed: %v", s.lastErr)
	}
	got, ok := s.session.Identity()
	if !ok || got != user {
		return fmt.Errorf("expected identity %s, got %q", user, got)
	}
	return nil
}

func (s *scenario) loginFails() error {
	if !errors.Is(s.lastErr, auth.ErrAuthenticationFailed) {
		return fmt.Errorf("expected authentication failure, got %v", s.lastErr)
	}
	return nil
}

func (s *scenario) sessionHasNoIdentity() error {
	if _, ok := s.session.Identity(); ok {
		return errors.New("expected no identity")
	}
	return nil
}
