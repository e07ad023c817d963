package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func mustElement(t *testing.T, tg tag.Tag, v any) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, v)
	if err != nil {
		t.Fatalf("new element %v: %v", tg, err)
	}
	return el
}

func dicomBytes(t *testing.T) []byte {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.77.1.5.1"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"}),
		mustElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustElement(t, tag.PatientID, []string{"P001234"}),
		mustElement(t, tag.StudyDate, []string{"20240115"}),
		mustElement(t, tag.Modality, []string{"OP"}),
		mustElement(t, tag.ImageLaterality, []string{"R"}),
		mustElement(t, tag.Rows, []int{64}),
		mustElement(t, tag.Columns, []int{48}),
	}}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds, dicom.SkipVRVerification()); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
	return buf.Bytes()
}

func TestInspect_PNG(t *testing.T) {
	info := Inspect("fundus.png", pngBytes(t, 32, 16))
	if info.Kind != KindImage {
		t.Fatalf("expected image kind, got %s", info.Kind)
	}
	if info.ContentType != "image/png" {
		t.Errorf("expected image/png, got %s", info.ContentType)
	}
	if info.Image == nil || info.Image.Width != 32 || info.Image.Height != 16 {
		t.Errorf("unexpected image info: %+v", info.Image)
	}
}

func TestInspect_PlainText(t *testing.T) {
	info := Inspect("notes.txt", []byte("patient reported blurred vision"))
	if info.Kind != KindOther {
		t.Fatalf("expected other kind, got %s", info.Kind)
	}
	if info.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type %q", info.ContentType)
	}
	if info.Image != nil || info.DICOM != nil {
		t.Error("expected no image or dicom details")
	}
}

func TestInspect_DICOM(t *testing.T) {
	info := Inspect("scan.dcm", dicomBytes(t))
	if info.Kind != KindDICOM {
		t.Fatalf("expected dicom kind, got %s", info.Kind)
	}
	if info.ContentType != "application/dicom" {
		t.Errorf("expected application/dicom, got %s", info.ContentType)
	}
	d := info.DICOM
	if d.PatientID != "P001234" {
		t.Errorf("expected patient id P001234, got %q", d.PatientID)
	}
	if d.Modality != "OP" {
		t.Errorf("expected modality OP, got %q", d.Modality)
	}
	if d.Laterality != "right" {
		t.Errorf("expected right laterality, got %q", d.Laterality)
	}
	if d.Rows != 64 || d.Columns != 48 {
		t.Errorf("expected 64x48, got %dx%d", d.Rows, d.Columns)
	}
}

func TestInspect_CorruptDICOMFallsBack(t *testing.T) {
	info := Inspect("broken.dcm", []byte("definitely not dicom"))
	if info.Kind != KindOther {
		t.Errorf("expected other kind for corrupt dicom, got %s", info.Kind)
	}
}

func TestIsDICOM_Magic(t *testing.T) {
	data := make([]byte, 140)
	copy(data[128:], "DICM")
	if !IsDICOM("noextension", data) {
		t.Error("expected magic bytes to be detected")
	}
	if IsDICOM("image.png", make([]byte, 140)) {
		t.Error("expected zero bytes not to be detected as dicom")
	}
}

func TestNormalizeLaterality(t *testing.T) {
	cases := map[string]string{
		"L":  "left",
		"r":  "right",
		"B":  "both",
		" U": "U",
		"":   "",
	}
	for in, want := range cases {
		if got := NormalizeLaterality(in); got != want {
			t.Errorf("NormalizeLaterality(%q) = %q, want %q", in, got, want)
		}
	}
}
