package records

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/retinaview/retinaview/internal/platform/auth"
	"github.com/retinaview/retinaview/internal/platform/blobstore"
	"github.com/retinaview/retinaview/internal/platform/imaging"
	"github.com/retinaview/retinaview/internal/platform/websocket"
)

// DefaultMaxFilesPerUpload is the per-call cap of the upload form.
const DefaultMaxFilesPerUpload = 30

// Options tunes a Store. The zero value is usable.
type Options struct {
	// MaxFilesPerUpload caps a single AddAttachments call. Zero means
	// DefaultMaxFilesPerUpload.
	MaxFilesPerUpload int
	// NotificationRetention bounds the number of kept notifications, oldest
	// evicted first. Zero keeps every notification.
	NotificationRetention int
	Logger                zerolog.Logger
	// Events receives a change event after every successful write. Nil
	// disables publishing.
	Events websocket.EventPublisher
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type patientTable struct {
	mu    sync.RWMutex
	byID  map[string]*Patient
	order []string
}

type analysisTable struct {
	mu   sync.RWMutex
	byID map[string]*Analysis
}

type notificationTable struct {
	mu    sync.RWMutex
	byID  map[string]*Notification
	order []string
}

type attachmentTable struct {
	mu        sync.RWMutex
	byPatient map[string][]Attachment
}

// Store is the in-memory record store. It owns four independent keyed
// collections, each guarded by its own lock, and delegates attachment bytes
// to a blobstore.Store.
type Store struct {
	patients      patientTable
	analyses      analysisTable
	notifications notificationTable
	attachments   attachmentTable

	blobs     blobstore.Store
	maxFiles  int
	retention int
	logger    zerolog.Logger
	events    websocket.EventPublisher
	now       func() time.Time
}

// NewStore returns an empty store persisting attachment bytes to blobs.
func NewStore(blobs blobstore.Store, opts Options) *Store {
	s := &Store{
		patients:      patientTable{byID: make(map[string]*Patient)},
		analyses:      analysisTable{byID: make(map[string]*Analysis)},
		notifications: notificationTable{byID: make(map[string]*Notification)},
		attachments:   attachmentTable{byPatient: make(map[string][]Attachment)},
		blobs:         blobs,
		maxFiles:      opts.MaxFilesPerUpload,
		retention:     opts.NotificationRetention,
		logger:        opts.Logger,
		events:        opts.Events,
		now:           opts.Now,
	}
	if s.maxFiles <= 0 {
		s.maxFiles = DefaultMaxFilesPerUpload
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// publish sends one event per topic. Publishing never fails a write.
func (s *Store) publish(ctx context.Context, typ, patientID string, data any, topics ...string) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", typ).Msg("failed to encode event")
		return
	}
	for _, topic := range topics {
		err := s.events.Publish(ctx, websocket.Event{
			Type:      typ,
			Topic:     topic,
			PatientID: patientID,
			Timestamp: s.now().UTC(),
			Data:      raw,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("type", typ).Str("topic", topic).Msg("failed to publish event")
		}
	}
}

// -- Patients --

// NormalizeID is applied to every patient id a store operation receives,
// so lookups agree with what CreatePatient stored.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}

// CreatePatient inserts a new patient. It fails with ErrDuplicateKey when
// the id is taken; the existing record is left untouched.
func (s *Store) CreatePatient(ctx context.Context, id string, scanDate time.Time, eye Eye) (*Patient, error) {
	id = NormalizeID(id)
	if id == "" {
		return nil, invalidf("patient_id is required")
	}
	if scanDate.IsZero() {
		return nil, invalidf("scan_date is required")
	}
	e, err := ParseEye(string(eye))
	if err != nil {
		return nil, err
	}

	p := &Patient{
		PatientID: id,
		ScanDate:  truncateToDate(scanDate),
		Eye:       e,
		CreatedAt: s.now().UTC(),
	}

	s.patients.mu.Lock()
	if _, exists := s.patients.byID[id]; exists {
		s.patients.mu.Unlock()
		return nil, fmt.Errorf("%w: patient %q already exists", ErrDuplicateKey, id)
	}
	s.patients.byID[id] = p
	s.patients.order = append(s.patients.order, id)
	s.patients.mu.Unlock()

	s.logger.Info().Str("patient_id", id).Str("eye", string(e)).Msg("patient created")
	out := *p
	s.publish(ctx, "patient.created", id, out, websocket.TopicPatients)
	return &out, nil
}

// GetPatient returns a copy of the patient with the given id.
func (s *Store) GetPatient(_ context.Context, id string) (*Patient, error) {
	id = NormalizeID(id)
	s.patients.mu.RLock()
	p, ok := s.patients.byID[id]
	s.patients.mu.RUnlock()
	if !ok {
		return nil, notFoundf("patient %q", id)
	}
	out := *p
	return &out, nil
}

func (s *Store) patientExists(id string) bool {
	s.patients.mu.RLock()
	defer s.patients.mu.RUnlock()
	_, ok := s.patients.byID[id]
	return ok
}

// -- Analyses --

// SubmitAnalysis records the analysis for a patient, replacing any previous
// one. Validation happens before anything is written, so a rejected
// submission leaves the prior analysis intact.
func (s *Store) SubmitAnalysis(ctx context.Context, patientID, diagnosis string, confidence float64, details *string) (*Analysis, error) {
	patientID = NormalizeID(patientID)
	if !s.patientExists(patientID) {
		return nil, notFoundf("patient %q", patientID)
	}
	diagnosis = strings.TrimSpace(diagnosis)
	if diagnosis == "" {
		return nil, invalidf("diagnosis is required")
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 100 {
		return nil, invalidf("confidence must be within [0, 100], got %v", confidence)
	}
	if details != nil && strings.TrimSpace(*details) == "" {
		details = nil
	}
	if details != nil {
		d := *details
		details = &d
	}

	a := &Analysis{
		PatientID:   patientID,
		Diagnosis:   diagnosis,
		Confidence:  confidence,
		Details:     details,
		SubmittedBy: auth.UserIDFromContext(ctx),
		SubmittedAt: s.now().UTC(),
	}

	s.analyses.mu.Lock()
	_, replaced := s.analyses.byID[patientID]
	s.analyses.byID[patientID] = a
	s.analyses.mu.Unlock()

	s.logger.Info().
		Str("patient_id", patientID).
		Bool("replaced", replaced).
		Str("policy", AnalysisPolicy).
		Msg("analysis submitted")
	out := copyAnalysis(a)
	s.publish(ctx, "analysis.submitted", patientID, out, websocket.TopicPatients, websocket.PatientTopic(patientID))
	return out, nil
}

// GetAnalysis returns the current analysis for a patient.
func (s *Store) GetAnalysis(_ context.Context, patientID string) (*Analysis, error) {
	patientID = NormalizeID(patientID)
	s.analyses.mu.RLock()
	a, ok := s.analyses.byID[patientID]
	s.analyses.mu.RUnlock()
	if !ok {
		return nil, notFoundf("analysis for patient %q", patientID)
	}
	return copyAnalysis(a), nil
}

func (s *Store) lookupAnalysis(patientID string) *Analysis {
	s.analyses.mu.RLock()
	defer s.analyses.mu.RUnlock()
	return copyAnalysis(s.analyses.byID[NormalizeID(patientID)])
}

func copyAnalysis(a *Analysis) *Analysis {
	if a == nil {
		return nil
	}
	out := *a
	if a.Details != nil {
		d := *a.Details
		out.Details = &d
	}
	return &out
}

// -- Notifications --

// CreateNotification stores a message under a freshly generated id.
func (s *Store) CreateNotification(ctx context.Context, message string) (*Notification, error) {
	if strings.TrimSpace(message) == "" {
		return nil, invalidf("message is required")
	}
	n := &Notification{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Message:   message,
		Timestamp: s.now().UTC(),
	}

	s.notifications.mu.Lock()
	s.notifications.byID[n.ID] = n
	s.notifications.order = append(s.notifications.order, n.ID)
	if s.retention > 0 {
		for len(s.notifications.order) > s.retention {
			oldest := s.notifications.order[0]
			s.notifications.order = s.notifications.order[1:]
			delete(s.notifications.byID, oldest)
		}
	}
	s.notifications.mu.Unlock()

	out := *n
	s.publish(ctx, "notification.created", "", out, websocket.TopicNotifications)
	return &out, nil
}

// ListNotifications returns every retained notification in insertion order.
func (s *Store) ListNotifications(_ context.Context) []*Notification {
	s.notifications.mu.RLock()
	defer s.notifications.mu.RUnlock()

	out := make([]*Notification, 0, len(s.notifications.order))
	for _, id := range s.notifications.order {
		n := *s.notifications.byID[id]
		out = append(out, &n)
	}
	return out
}

// -- Attachments --

// StoredName derives a collision-resistant storage name from an upload's
// original name: a random 32-hex token, an underscore and the base name.
func StoredName(original string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + baseName(original)
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	b := path.Base(name)
	if b == "." || b == "/" || b == ".." {
		return ""
	}
	return b
}

// AddAttachments persists every file under the patient's namespace and
// appends the stored names to the attachment index. Either all files are
// indexed or none: on a storage error the files already written by this
// call are removed again.
func (s *Store) AddAttachments(ctx context.Context, patientID string, files []File) ([]string, error) {
	patientID = NormalizeID(patientID)
	if !s.patientExists(patientID) {
		return nil, notFoundf("patient %q", patientID)
	}
	if len(files) == 0 {
		return nil, invalidf("no files selected")
	}
	if len(files) > s.maxFiles {
		return nil, invalidf("at most %d files per upload, got %d", s.maxFiles, len(files))
	}
	for i, f := range files {
		if baseName(f.Name) == "" {
			return nil, invalidf("file %d has no name", i)
		}
	}

	added := make([]Attachment, 0, len(files))
	rollback := func() {
		for _, a := range added {
			if err := s.blobs.Delete(context.WithoutCancel(ctx), patientID, a.StoredFilename); err != nil {
				s.logger.Warn().Err(err).
					Str("patient_id", patientID).
					Str("stored_filename", a.StoredFilename).
					Msg("failed to remove partial upload")
			}
		}
	}

	for _, f := range files {
		name := StoredName(f.Name)
		info := imaging.Inspect(f.Name, f.Data)

		n, err := s.blobs.Put(ctx, patientID, name, bytes.NewReader(f.Data))
		if errors.Is(err, blobstore.ErrInvalidKey) {
			rollback()
			return nil, invalidf("storing %q: %v", f.Name, err)
		}
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: storing %q: %v", ErrStorageFailure, f.Name, err)
		}

		sum := sha256.Sum256(f.Data)
		added = append(added, Attachment{
			PatientID:      patientID,
			StoredFilename: name,
			OriginalName:   baseName(f.Name),
			Size:           n,
			SHA256:         fmt.Sprintf("%x", sum),
			ContentType:    info.ContentType,
			Kind:           info.Kind,
			DICOM:          info.DICOM,
			Image:          info.Image,
			UploadedAt:     s.now().UTC(),
		})
	}

	s.attachments.mu.Lock()
	s.attachments.byPatient[patientID] = append(s.attachments.byPatient[patientID], added...)
	s.attachments.mu.Unlock()

	names := make([]string, len(added))
	for i, a := range added {
		names[i] = a.StoredFilename
	}
	s.logger.Info().Str("patient_id", patientID).Strs("stored", names).Msg("attachments stored")
	s.publish(ctx, "attachments.added", patientID, added, websocket.PatientTopic(patientID))
	return names, nil
}

// ListAttachments returns the patient's attachment references in upload
// order.
func (s *Store) ListAttachments(_ context.Context, patientID string) ([]Attachment, error) {
	patientID = NormalizeID(patientID)
	if !s.patientExists(patientID) {
		return nil, notFoundf("patient %q", patientID)
	}
	s.attachments.mu.RLock()
	defer s.attachments.mu.RUnlock()

	src := s.attachments.byPatient[patientID]
	out := make([]Attachment, len(src))
	copy(out, src)
	return out, nil
}

// OpenAttachment returns the stored bytes of one indexed attachment.
func (s *Store) OpenAttachment(ctx context.Context, patientID, storedName string) (io.ReadCloser, *Attachment, error) {
	patientID = NormalizeID(patientID)
	var found *Attachment
	s.attachments.mu.RLock()
	for _, a := range s.attachments.byPatient[patientID] {
		if a.StoredFilename == storedName {
			found = &a
			break
		}
	}
	s.attachments.mu.RUnlock()
	if found == nil {
		return nil, nil, notFoundf("attachment %q for patient %q", storedName, patientID)
	}

	rc, err := s.blobs.Open(ctx, patientID, storedName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening %q: %v", ErrStorageFailure, storedName, err)
	}
	return rc, found, nil
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
