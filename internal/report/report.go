// Package report assembles the analysis workbook delivered to the user: a
// scene-by-scene sheet with on-screen text and narration, a transcript
// sheet, and a summary.
package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/videolens/worker/internal/analysis"
	"github.com/videolens/worker/internal/apperr"
)

// MIME is the content type of the generated workbook.
const MIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// FileName is the object name of the generated workbook.
const FileName = "report.xlsx"

// Info describes the analyzed video for the summary sheet.
type Info struct {
	FileName      string
	Duration      float64
	DetectionMode string
}

// Stats summarize the finished analysis for the status record.
type Stats struct {
	Duration            float64
	SegmentCount        int
	OCRResultCount      int
	TotalScenes         int
	ScenesWithOCR       int
	ScenesWithNarration int
}

// Report holds the assembled analysis ready for encoding.
type Report struct {
	Info     Info
	Scenes   []analysis.Scene
	Segments []analysis.Segment
}

// Build assembles a report from the pipeline outputs.
func Build(scenes []analysis.Scene, segments []analysis.Segment, info Info) *Report {
	return &Report{Info: info, Scenes: scenes, Segments: segments}
}

// Stats computes the summary counters.
func (r *Report) Stats() Stats {
	s := Stats{
		Duration:     r.Info.Duration,
		SegmentCount: len(r.Segments),
		TotalScenes:  len(r.Scenes),
	}
	for _, sc := range r.Scenes {
		if sc.OCRText != "" {
			s.ScenesWithOCR++
			s.OCRResultCount++
		}
		if sc.Narration != "" {
			s.ScenesWithNarration++
		}
	}
	return s
}

const (
	sheetScenes     = "Scenes"
	sheetTranscript = "Transcript"
	sheetSummary    = "Summary"
)

// Encode renders the workbook and returns its bytes.
func (r *Report) Encode() ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := r.writeScenes(f); err != nil {
		return nil, err
	}
	if err := r.writeTranscript(f); err != nil {
		return nil, err
	}
	if err := r.writeSummary(f); err != nil {
		return nil, err
	}

	// Drop the default sheet and open the workbook on Scenes.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "delete default sheet", err)
	}
	idx, err := f.GetSheetIndex(sheetScenes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find scenes sheet", err)
	}
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode workbook", err)
	}
	return buf.Bytes(), nil
}

func (r *Report) writeScenes(f *excelize.File) error {
	if _, err := f.NewSheet(sheetScenes); err != nil {
		return apperr.Wrap(apperr.KindInternal, "create scenes sheet", err)
	}

	header := []interface{}{"Scene", "Start", "End", "Midpoint", "On-Screen Text", "Confidence", "Narration"}
	if err := f.SetSheetRow(sheetScenes, "A1", &header); err != nil {
		return apperr.Wrap(apperr.KindInternal, "write scenes header", err)
	}

	for i, sc := range r.Scenes {
		row := []interface{}{
			sc.SceneNumber,
			formatTimestamp(sc.StartTime),
			formatTimestamp(sc.EndTime),
			formatTimestamp(sc.MidTime()),
			sc.OCRText,
			fmt.Sprintf("%.2f", sc.OCRConfidence),
			sc.Narration,
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheetScenes, cell, &row); err != nil {
			return apperr.Wrap(apperr.KindInternal, "write scene row", err)
		}
	}

	widths := []struct {
		col   string
		width float64
	}{
		{"A", 8}, {"B", 12}, {"C", 12}, {"D", 12}, {"E", 50}, {"F", 12}, {"G", 60},
	}
	for _, w := range widths {
		if err := f.SetColWidth(sheetScenes, w.col, w.col, w.width); err != nil {
			return apperr.Wrap(apperr.KindInternal, "set column width", err)
		}
	}
	return nil
}

func (r *Report) writeTranscript(f *excelize.File) error {
	if _, err := f.NewSheet(sheetTranscript); err != nil {
		return apperr.Wrap(apperr.KindInternal, "create transcript sheet", err)
	}

	header := []interface{}{"Start", "End", "Text", "Confidence"}
	if err := f.SetSheetRow(sheetTranscript, "A1", &header); err != nil {
		return apperr.Wrap(apperr.KindInternal, "write transcript header", err)
	}

	for i, seg := range r.Segments {
		row := []interface{}{
			formatTimestamp(seg.Start),
			formatTimestamp(seg.End()),
			seg.Text,
			fmt.Sprintf("%.2f", seg.Confidence),
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheetTranscript, cell, &row); err != nil {
			return apperr.Wrap(apperr.KindInternal, "write transcript row", err)
		}
	}

	if err := f.SetColWidth(sheetTranscript, "C", "C", 80); err != nil {
		return apperr.Wrap(apperr.KindInternal, "set column width", err)
	}
	return nil
}

func (r *Report) writeSummary(f *excelize.File) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return apperr.Wrap(apperr.KindInternal, "create summary sheet", err)
	}

	stats := r.Stats()
	rows := [][]interface{}{
		{"File", r.Info.FileName},
		{"Duration", formatTimestamp(r.Info.Duration)},
		{"Detection mode", r.Info.DetectionMode},
		{"Scenes", stats.TotalScenes},
		{"Scenes with on-screen text", stats.ScenesWithOCR},
		{"Scenes with narration", stats.ScenesWithNarration},
		{"Transcript segments", stats.SegmentCount},
	}
	for i, row := range rows {
		cell := fmt.Sprintf("A%d", i+1)
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return apperr.Wrap(apperr.KindInternal, "write summary row", err)
		}
	}

	if err := f.SetColWidth(sheetSummary, "A", "A", 28); err != nil {
		return apperr.Wrap(apperr.KindInternal, "set column width", err)
	}
	return nil
}

// formatTimestamp renders seconds as H:MM:SS.d for the workbook.
func formatTimestamp(seconds float64) string {
	h := int(seconds) / 3600
	m := (int(seconds) % 3600) / 60
	s := seconds - float64(h*3600+m*60)
	return fmt.Sprintf("%d:%02d:%04.1f", h, m, s)
}
