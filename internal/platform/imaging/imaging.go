// Package imaging classifies uploaded scan files. DICOM objects are parsed
// for the header fields relevant to retinal imaging; raster images are probed
// for their format and dimensions. Inspection never fails: anything that
// cannot be decoded is reported as KindOther.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Kind is the coarse classification of an upload.
type Kind string

const (
	KindDICOM Kind = "dicom"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// DICOMInfo holds the header fields extracted from a DICOM object.
type DICOMInfo struct {
	Modality   string `json:"modality,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	Laterality string `json:"laterality,omitempty"`
	StudyDate  string `json:"study_date,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Columns    int    `json:"columns,omitempty"`
}

// ImageInfo describes a decodable raster image.
type ImageInfo struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Info is the result of Inspect.
type Info struct {
	Kind        Kind
	ContentType string
	DICOM       *DICOMInfo
	Image       *ImageInfo
}

const dicomMagicOffset = 128

// IsDICOM reports whether the file looks like a DICOM Part 10 object, either
// by extension or by the "DICM" magic after the 128-byte preamble.
func IsDICOM(name string, data []byte) bool {
	if strings.HasSuffix(strings.ToLower(name), ".dcm") {
		return true
	}
	return len(data) >= dicomMagicOffset+4 && string(data[dicomMagicOffset:dicomMagicOffset+4]) == "DICM"
}

// Inspect classifies one upload.
func Inspect(name string, data []byte) Info {
	if IsDICOM(name, data) {
		if info, err := ParseDICOM(data); err == nil {
			return Info{Kind: KindDICOM, ContentType: "application/dicom", DICOM: info}
		}
	}

	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return Info{
			Kind:        KindImage,
			ContentType: "image/" + format,
			Image:       &ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height},
		}
	}

	return Info{Kind: KindOther, ContentType: http.DetectContentType(data)}
}

// ParseDICOM reads the header of a DICOM object, skipping pixel data.
func ParseDICOM(data []byte) (info *DICOMInfo, err error) {
	// The parser panics on some truncated inputs.
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, fmt.Errorf("parsing dicom: %v", r)
		}
	}()

	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parsing dicom: %w", err)
	}

	laterality := stringTag(&ds, tag.ImageLaterality)
	if laterality == "" {
		laterality = stringTag(&ds, tag.Laterality)
	}

	return &DICOMInfo{
		Modality:   stringTag(&ds, tag.Modality),
		PatientID:  stringTag(&ds, tag.PatientID),
		Laterality: NormalizeLaterality(laterality),
		StudyDate:  stringTag(&ds, tag.StudyDate),
		Rows:       intTag(&ds, tag.Rows),
		Columns:    intTag(&ds, tag.Columns),
	}, nil
}

// NormalizeLaterality maps the DICOM laterality codes to eye names. Unknown
// codes are returned unchanged.
func NormalizeLaterality(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "L":
		return "left"
	case "R":
		return "right"
	case "B":
		return "both"
	}
	return strings.TrimSpace(code)
}

func stringTag(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	if v, ok := el.Value.GetValue().([]string); ok && len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func intTag(ds *dicom.Dataset, t tag.Tag) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return 0
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case int:
		return v
	}
	return 0
}
