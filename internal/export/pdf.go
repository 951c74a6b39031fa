// Package export renders a single report as a downloadable PDF.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/coderunreport/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	// TimestampLayout matches the browser's default locale date rendering.
	TimestampLayout = "1/2/2006, 3:04:05 PM"

	pointsPerMM  = 72 / 25.4
	a4WidthMM    = 210.0
	a4HeightMM   = 297.0
	leftMarginMM = 10.0

	// Helvetica is a core font with WinAnsi encoding: characters outside
	// Windows-1252 render as spaces.
	fontName = "Helvetica"
	fontSize = 12

	// LineHeightMM is the distance between baselines of consecutive lines
	// within a block.
	LineHeightMM = fontSize * 1.15 / pointsPerMM
)

// TextBlock is one block of text, positioned in millimetres from the top-left
// corner of the page. Y is the baseline of its first line; later lines flow
// down by LineHeightMM.
type TextBlock struct {
	Text string
	X    float64
	Y    float64
}

// Artifact is a rendered report ready to be downloaded.
type Artifact struct {
	FileName string
	Content  []byte
}

// Exporter renders reports with a fixed four-block layout. It is safe for
// concurrent use.
type Exporter struct {
	now func() time.Time
}

type Option func(*Exporter)

// WithClock replaces time.Now as the source of the generation timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

func New(opts ...Option) *Exporter {
	// Function instances have no writable home directory for pdfcpu's config files.
	api.DisableConfigDir()
	e := &Exporter{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FileName is the download name for a report's PDF.
func FileName(r models.Report) string {
	return r.FileName + "_report.pdf"
}

// Layout returns the text blocks for r, generated at the exporter's current time.
func (e *Exporter) Layout(r models.Report) []TextBlock {
	return []TextBlock{
		{Text: "File: " + r.FileName, X: leftMarginMM, Y: 10},
		{Text: "Report Generated: " + e.now().Format(TimestampLayout), X: leftMarginMM, Y: 20},
		{Text: "Code:\n" + r.Code, X: leftMarginMM, Y: 30},
		{Text: "Execution Result:\n" + r.ExecutionResult, X: leftMarginMM, Y: 50},
	}
}

// Export renders r to a one-page A4 PDF.
func (e *Exporter) Export(r models.Report) (Artifact, error) {
	desc, err := json.Marshal(describe(e.Layout(r)))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to marshal page description: %w", err)
	}

	// pdfcpu mutates the configuration it is given, so each call gets its own.
	var buf bytes.Buffer
	if err := api.Create(nil, bytes.NewReader(desc), &buf, model.NewDefaultConfiguration()); err != nil {
		return Artifact{}, fmt.Errorf("failed to render PDF for %s: %w", r.FileName, err)
	}
	return Artifact{FileName: FileName(r), Content: buf.Bytes()}, nil
}

// The types below mirror the subset of pdfcpu's JSON page description used here.

type pdfDescription struct {
	Paper  string             `json:"paper"`
	Origin string             `json:"origin"`
	Pages  map[string]pdfPage `json:"pages"`
}

type pdfPage struct {
	Content pdfContent `json:"content"`
}

type pdfContent struct {
	Text []pdfText `json:"text"`
}

type pdfText struct {
	Value string     `json:"value"`
	Pos   [2]float64 `json:"pos"`
	Font  pdfFont    `json:"font"`
}

type pdfFont struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

func describe(blocks []TextBlock) pdfDescription {
	var texts []pdfText
	for _, b := range blocks {
		for i, line := range strings.Split(b.Text, "\n") {
			y := b.Y + float64(i)*LineHeightMM
			// Lines below the page are dropped; pdfcpu would pull them back up.
			if y > a4HeightMM {
				break
			}
			texts = append(texts, placeLine(strings.TrimSuffix(line, "\r"), b.X, y)...)
		}
	}
	return pdfDescription{
		Paper:  "A4P",
		Origin: "LowerLeft",
		Pages:  map[string]pdfPage{"1": {Content: pdfContent{Text: texts}}},
	}
}

// placeLine lays out one line as one or more single-line values on the same
// baseline. Text past the right page edge is cut off.
func placeLine(line string, xMM, yMM float64) []pdfText {
	// pdfcpu measures from the lower-left corner in points.
	x := xMM * pointsPerMM
	y := (a4HeightMM - yMM) * pointsPerMM
	right := a4WidthMM*pointsPerMM - 1

	var texts []pdfText
	for _, seg := range segments(line) {
		fitted, ok := clip(seg, right-x)
		if fitted != "" {
			texts = append(texts, pdfText{
				Value: fitted,
				Pos:   [2]float64{x, y},
				Font:  pdfFont{Name: fontName, Size: fontSize},
			})
			x += textWidth(fitted)
		}
		if !ok {
			break
		}
	}
	return texts
}

// segments splits line wherever it contains a backslash followed by n, which
// pdfcpu would otherwise treat as a line break. Concatenated, the segments
// give back line.
func segments(line string) []string {
	parts := strings.Split(line, `\n`)
	for i := range parts {
		if i > 0 {
			parts[i] = "n" + parts[i]
		}
		if i < len(parts)-1 {
			parts[i] += `\`
		}
	}
	return parts
}

// clip returns the longest prefix of s no wider than width and whether s fit
// whole.
func clip(s string, width float64) (string, bool) {
	var w float64
	for i, r := range s {
		w += textWidth(string(r))
		if w > width {
			return s[:i], false
		}
	}
	return s, true
}

func textWidth(s string) float64 {
	return font.TextWidth(model.DecodeUTF8ToByte(s), fontName, fontSize)
}
