package shell

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/retinaview/retinaview/internal/domain/records"
	"github.com/retinaview/retinaview/internal/platform/auth"
	"github.com/retinaview/retinaview/internal/platform/reporting"
)

// Console holds the state behind the interactive menu. Every action except
// Login requires an authenticated session; the methods return rendered text
// so the menu loop only has to print it.
type Console struct {
	store    *records.Store
	verifier auth.Verifier
	session  *auth.Session
}

func NewConsole(store *records.Store, verifier auth.Verifier) *Console {
	return &Console{store: store, verifier: verifier, session: &auth.Session{}}
}

// Identity returns the logged-in username, if any.
func (c *Console) Identity() (string, bool) {
	return c.session.Identity()
}

func (c *Console) Login(username, password string) (string, error) {
	if err := c.session.Login(c.verifier, strings.TrimSpace(username), password); err != nil {
		return "", err
	}
	return SuccessStyle.Render("Logged in as " + strings.TrimSpace(username)), nil
}

func (c *Console) Logout() string {
	c.session.Logout()
	return SuccessStyle.Render("Logged out")
}

// authed fails unless someone is logged in and tags ctx with their
// username so stored records carry it.
func (c *Console) authed(ctx context.Context) (context.Context, error) {
	if err := c.session.RequireAuth(); err != nil {
		return ctx, err
	}
	user, _ := c.session.Identity()
	return auth.WithUserID(ctx, user), nil
}

func (c *Console) CreatePatient(ctx context.Context, id, scanDate, eye string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	date, err := time.Parse(records.DateLayout, strings.TrimSpace(scanDate))
	if err != nil {
		return "", fmt.Errorf("scan date must be YYYY-MM-DD: %w", records.ErrInvalidArgument)
	}
	p, err := c.store.CreatePatient(ctx, strings.TrimSpace(id), date, records.Eye(eye))
	if err != nil {
		return "", err
	}
	return SuccessStyle.Render("Created patient " + p.PatientID), nil
}

func (c *Console) ViewPatient(ctx context.Context, id string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	p, err := c.store.GetPatient(ctx, strings.TrimSpace(id))
	if err != nil {
		return "", err
	}
	lines := []string{
		TitleStyle.Render("Patient " + p.PatientID),
		field("Scan date", p.ScanDate.Format(records.DateLayout)),
		field("Eye", string(p.Eye)),
	}
	if a, err := c.store.GetAnalysis(ctx, p.PatientID); err == nil {
		lines = append(lines, field("Diagnosis", a.Diagnosis))
	}
	if list, err := c.store.ListAttachments(ctx, p.PatientID); err == nil {
		lines = append(lines, field("Attachments", strconv.Itoa(len(list))))
		for _, a := range list {
			lines = append(lines, "  "+a.StoredFilename)
		}
	}
	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)), nil
}

// UploadFiles reads each path from disk and stores them as one batch.
// Paths are separated by commas or newlines.
func (c *Console) UploadFiles(ctx context.Context, id, paths string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	var files []records.File
	for _, p := range splitPaths(paths) {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", p, err)
		}
		files = append(files, records.File{Name: filepath.Base(p), Data: data})
	}
	names, err := c.store.AddAttachments(ctx, strings.TrimSpace(id), files)
	if err != nil {
		return "", err
	}
	return SuccessStyle.Render(fmt.Sprintf("Stored %d file(s): %s", len(names), strings.Join(names, ", "))), nil
}

func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Console) SubmitAnalysis(ctx context.Context, id, diagnosis, confidence, details string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	conf, err := strconv.ParseFloat(strings.TrimSpace(confidence), 64)
	if err != nil {
		return "", fmt.Errorf("confidence must be a number: %w", records.ErrInvalidArgument)
	}
	var d *string
	if strings.TrimSpace(details) != "" {
		d = &details
	}
	a, err := c.store.SubmitAnalysis(ctx, strings.TrimSpace(id), diagnosis, conf, d)
	if err != nil {
		return "", err
	}
	return SuccessStyle.Render("Saved analysis for " + a.PatientID), nil
}

func (c *Console) ViewAnalysis(ctx context.Context, id string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	a, err := c.store.GetAnalysis(ctx, strings.TrimSpace(id))
	if err != nil {
		return "", err
	}
	lines := []string{
		TitleStyle.Render("Analysis for " + a.PatientID),
		field("Diagnosis", a.Diagnosis),
		field("Confidence", reporting.FormatConfidence(a.Confidence)+"%"),
	}
	if a.Details != nil {
		lines = append(lines, field("Details", *a.Details))
	}
	lines = append(lines, field("Date", a.SubmittedAt.Format(time.RFC3339)))
	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)), nil
}

func (c *Console) Search(ctx context.Context, id, diagnosis string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	results := c.store.Search(ctx, records.SearchParams{PatientID: id, Diagnosis: diagnosis})
	if len(results) == 0 {
		return "No matching patients", nil
	}
	lines := []string{TitleStyle.Render(fmt.Sprintf("%d result(s)", len(results)))}
	for _, p := range results {
		lines = append(lines, fmt.Sprintf("%s  %s  %s", p.PatientID, p.ScanDate.Format(records.DateLayout), p.Eye))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...), nil
}

func (c *Console) PostNotification(ctx context.Context, message string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	if _, err := c.store.CreateNotification(ctx, message); err != nil {
		return "", err
	}
	return SuccessStyle.Render("Notification posted"), nil
}

func (c *Console) Notifications(ctx context.Context) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	list := c.store.ListNotifications(ctx)
	if len(list) == 0 {
		return "No notifications", nil
	}
	lines := make([]string, 0, len(list))
	for _, n := range list {
		lines = append(lines, LabelStyle.Render(n.Timestamp.Format("2006-01-02 15:04"))+" "+n.Message)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...), nil
}

// Dashboard renders the store summary: record counts, the eye split and
// the diagnosis histogram.
func (c *Console) Dashboard(ctx context.Context) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	sum := c.store.Summary(ctx)
	lines := []string{
		TitleStyle.Render("Dashboard"),
		field("Patients", strconv.Itoa(sum.Patients)),
		field("Analyses", strconv.Itoa(sum.Analyses)),
		field("Attachments", strconv.Itoa(sum.Attachments)),
		field("Notifications", strconv.Itoa(sum.Notifications)),
		field("Eyes", fmt.Sprintf("left %d, right %d", sum.ByEye[records.EyeLeft], sum.ByEye[records.EyeRight])),
	}
	if sum.Analyses > 0 {
		lines = append(lines, field("Mean confidence", reporting.FormatConfidence(math.Round(sum.MeanConfidence*10)/10)+"%"))
		diagnoses := make([]string, 0, len(sum.Diagnoses))
		for d := range sum.Diagnoses {
			diagnoses = append(diagnoses, d)
		}
		sort.Strings(diagnoses)
		for _, d := range diagnoses {
			lines = append(lines, fmt.Sprintf("  %s  %d", d, sum.Diagnoses[d]))
		}
	}
	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)), nil
}

// DownloadReport writes the PDF report for id into dir under its standard
// filename and returns the written path.
func (c *Console) DownloadReport(ctx context.Context, id, dir string) (string, error) {
	ctx, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	pdf, err := c.store.Report(ctx, id)
	if err != nil {
		return "", err
	}
	if dir = strings.TrimSpace(dir); dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, reporting.Filename(id))
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// Fprint writes msg or a styled error line.
func Fprint(w io.Writer, msg string, err error) {
	if err != nil {
		fmt.Fprintln(w, ErrorStyle.Render("Error: "+err.Error()))
		return
	}
	fmt.Fprintln(w, msg)
}
