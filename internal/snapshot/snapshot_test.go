package snapshot

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

func writeBlank(t *testing.T, path string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.White)
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
}

func isRed(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 > 200 && g>>8 < 100 && b>>8 < 100
}

// TestRender_DrawsMarkerAndCaption tests the ring and the caption band
func TestRender_DrawsMarkerAndCaption(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ref.png")
	writeBlank(t, src, 200, 200)

	out := Path(filepath.Join(dir, "data"), "1234567-10", 1, 1)
	r := &Renderer{FontCandidates: []string{}}
	err := r.Render(Request{
		ImagePath:  src,
		OutPath:    out,
		Markers:    []schema.Point{{X: 0.5, Y: 0.25}},
		Reference:  "U1",
		DefectName: "コテ不足",
	})
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}

	img, err := imaging.Open(out)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 200 {
		t.Fatalf("size = %v, want 200x200", b)
	}

	ring := false
	for x := 107; x <= 112; x++ {
		if isRed(img.At(x, 50)) {
			ring = true
		}
	}
	if !ring {
		t.Error("no marker ring around (100, 50)")
	}
	if isRed(img.At(100, 50)) {
		t.Error("marker is filled, want outline only")
	}

	r0, g0, b0, _ := img.At(150, 195).RGBA()
	if r0>>8 > 128 || g0>>8 > 128 || b0>>8 > 128 {
		t.Errorf("caption band missing at bottom, pixel = %v", img.At(150, 195))
	}
	if got := img.At(150, 5); !sameRGB(got, color.White) {
		t.Errorf("top pixel = %v, want white", got)
	}
}

func TestRender_NoCaption(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ref.png")
	writeBlank(t, src, 100, 100)
	out := filepath.Join(dir, "out.png")

	if err := (&Renderer{}).Render(Request{ImagePath: src, OutPath: out}); err != nil {
		t.Fatal(err)
	}
	img, err := imaging.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	if !sameRGB(img.At(50, 95), color.White) {
		t.Error("caption band drawn without text")
	}
}

func TestRender_Errors(t *testing.T) {
	r := &Renderer{}
	if err := r.Render(Request{OutPath: "x.png"}); err == nil {
		t.Error("Render() accepted a missing image path")
	}
	if err := r.Render(Request{ImagePath: filepath.Join(t.TempDir(), "missing.png"), OutPath: "x.png"}); err == nil {
		t.Error("Render() accepted a missing image file")
	}
}

func TestPath(t *testing.T) {
	if got, want := Path("data", "1234567-10", 2, 3), filepath.Join("data", "1234567-10", "2_3.png"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func sameRGB(a, b color.Color) bool {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()
	return ar>>8 == br>>8 && ag>>8 == bg>>8 && ab>>8 == bb>>8
}
