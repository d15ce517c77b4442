// Package snapshot renders the audit image saved with every defect: the
// reference image with circle markers at the recorded positions and a
// caption band naming the reference designator and defect.
package snapshot

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// DefaultFontCandidates are tried in order for the caption font. The first
// one that loads wins; without any the built-in bitmap face is used.
var DefaultFontCandidates = []string{
	`C:\Windows\Fonts\meiryo.ttc`,
	`C:\Windows\Fonts\msgothic.ttc`,
	"/System/Library/Fonts/ヒラギノ角ゴシック W3.ttc",
	"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

// Request describes one snapshot.
type Request struct {
	ImagePath  string
	OutPath    string
	Markers    []schema.Point
	Reference  string
	DefectName string
}

// Renderer draws snapshots. The zero value is usable.
type Renderer struct {
	FontCandidates []string
	MarkerSize     float64
	MarkerColor    color.Color
}

// Path returns <dataDir>/<lot>/<board>_<number>.png.
func Path(dataDir, lot string, boardIndex, defectNumber int) string {
	return filepath.Join(dataDir, lot, strconv.Itoa(boardIndex)+"_"+strconv.Itoa(defectNumber)+".png")
}

// Render draws req and writes the result to req.OutPath, creating its
// directory. The output format follows the file extension.
func (r *Renderer) Render(req Request) error {
	if req.ImagePath == "" {
		return errors.New("no reference image")
	}
	if req.OutPath == "" {
		return errors.New("no output path")
	}
	src, err := imaging.Open(req.ImagePath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	dc := gg.NewContextForImage(src)
	w, h := float64(dc.Width()), float64(dc.Height())

	radius := r.markerSize() / 2
	dc.SetColor(r.markerColor())
	dc.SetLineWidth(2)
	for _, p := range req.Markers {
		dc.DrawCircle(p.X*w, p.Y*h, radius)
		dc.Stroke()
	}

	var lines []string
	if req.Reference != "" {
		lines = append(lines, "Reference: "+req.Reference)
	}
	if req.DefectName != "" {
		lines = append(lines, "Defect: "+req.DefectName)
	}
	if len(lines) > 0 {
		size := math.Max(30, math.Min(80, math.Floor(h/20)))
		if face := r.loadFace(size); face != nil {
			dc.SetFontFace(face)
		}
		lineHeight := size + 10
		top := h - float64(len(lines))*lineHeight - 20
		dc.SetRGBA255(0, 0, 0, 180)
		dc.DrawRectangle(0, top, w, h-top)
		dc.Fill()

		dc.SetColor(color.White)
		y := top + 10
		for _, line := range lines {
			dc.DrawStringAnchored(line, 10, y, 0, 1)
			y += lineHeight
		}
	}

	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := imaging.Save(dc.Image(), req.OutPath); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *Renderer) markerSize() float64 {
	if r.MarkerSize > 0 {
		return r.MarkerSize
	}
	return 20
}

func (r *Renderer) markerColor() color.Color {
	if r.MarkerColor != nil {
		return r.MarkerColor
	}
	return color.RGBA{R: 255, A: 255}
}

func (r *Renderer) loadFace(points float64) font.Face {
	candidates := r.FontCandidates
	if candidates == nil {
		candidates = DefaultFontCandidates
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// Collections (.ttc) are rejected by the parser; try the next one.
		if face, err := gg.LoadFontFace(path, points); err == nil {
			return face
		}
	}
	return nil
}
