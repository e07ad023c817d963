// Package reporting renders the one-page patient report. Generation is a pure
// function of the patient id and the optional findings: it reads no store and
// has no side effects beyond the returned bytes.
package reporting

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/text/encoding/charmap"
)

// ContentType is the MIME type of generated reports.
const ContentType = "application/pdf"

// NoAnalysisLine is printed in place of the findings when none exist.
const NoAnalysisLine = "No analysis available."

// ErrUnrenderable is returned when a line holds a character that neither
// report font has a glyph for. Generate fails rather than printing a
// substitute character.
var ErrUnrenderable = errors.New("report text cannot be rendered")

// Findings is the analysis content shown on a report.
type Findings struct {
	Diagnosis  string
	Confidence float64
	Details    *string
}

// Filename is the suggested download name for a patient's report.
func Filename(patientID string) string {
	return fmt.Sprintf("report_%s.pdf", patientID)
}

// FormatConfidence renders a confidence value as the shortest decimal that
// round-trips, always keeping one fractional digit ("90.0", "94.35").
func FormatConfidence(c float64) string {
	s := strconv.FormatFloat(c, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Lines returns the report's text lines in page order: the title, then
// either diagnosis, confidence and (when set) details, or NoAnalysisLine.
func Lines(patientID string, f *Findings) []string {
	lines := []string{"RetinaView AI Report for Patient " + patientID}
	if f == nil {
		return append(lines, NoAnalysisLine)
	}
	lines = append(lines,
		"Diagnosis: "+f.Diagnosis,
		"Confidence: "+FormatConfidence(f.Confidence)+"%",
	)
	if f.Details != nil && *f.Details != "" {
		lines = append(lines, "Details: "+*f.Details)
	}
	return lines
}

// Page geometry in points, measured from the top-left corner of an A4 page.
const (
	marginLeft  = 100.0
	titleTop    = 92.0
	firstLine   = 122.0
	lineSpacing = 20.0
	fontSize    = 12.0
)

// unicodeFamily is the embedded Go Regular face, used for lines the
// Windows-1252 core font cannot encode.
const unicodeFamily = "goregular"

var unicodeFace = sync.OnceValues(func() (*sfnt.Font, error) {
	return sfnt.Parse(goregular.TTF)
})

// coreText returns line in the core font encoding, or false if some
// character has no Windows-1252 code.
func coreText(line string) (string, bool) {
	enc, err := charmap.Windows1252.NewEncoder().String(line)
	return enc, err == nil
}

func checkGlyphs(line string) error {
	face, err := unicodeFace()
	if err != nil {
		return fmt.Errorf("loading report font: %w", err)
	}
	var buf sfnt.Buffer
	for _, r := range line {
		idx, err := face.GlyphIndex(&buf, r)
		if err != nil || idx == 0 {
			return fmt.Errorf("%w: no glyph for %q", ErrUnrenderable, r)
		}
	}
	return nil
}

// Generate renders the report as a single-page PDF. The content stream is
// left uncompressed so the text stays greppable. Lines that fit
// Windows-1252 use Helvetica; others use the embedded Go Regular font.
func Generate(patientID string, f *Findings) ([]byte, error) {
	lines := Lines(patientID, f)
	core := make([]string, len(lines))
	needsUnicode := make([]bool, len(lines))
	for i, line := range lines {
		if enc, ok := coreText(line); ok {
			core[i] = enc
			continue
		}
		if err := checkGlyphs(line); err != nil {
			return nil, err
		}
		needsUnicode[i] = true
	}

	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetCompression(false)
	pdf.SetCreationDate(time.Unix(0, 0).UTC())
	pdf.SetModificationDate(time.Unix(0, 0).UTC())
	pdf.SetTitle("RetinaView AI Report "+patientID, true)
	pdf.SetCreator("retinaview", false)
	pdf.AddPage()

	fontAdded := false
	for i, line := range lines {
		y := titleTop
		if i > 0 {
			y = firstLine + float64(i-1)*lineSpacing
		}
		if !needsUnicode[i] {
			pdf.SetFont("Helvetica", "", fontSize)
			pdf.Text(marginLeft, y, core[i])
			continue
		}
		if !fontAdded {
			pdf.AddUTF8FontFromBytes(unicodeFamily, "", goregular.TTF)
			fontAdded = true
		}
		pdf.SetFont(unicodeFamily, "", fontSize)
		pdf.Text(marginLeft, y, line)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering report for %s: %w", patientID, err)
	}
	return buf.Bytes(), nil
}
