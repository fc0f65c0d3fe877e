// Package analysis holds the derived value types of the video analysis
// pipeline and the pure timeline arithmetic over them: scene construction
// from cut lists, cut merging, and transcript segment merging.
//
// All timestamps are seconds (floating point); all indices are zero-based.
package analysis

import (
	"math"
	"sort"
)

// SceneCut is a timestamp where the visual content changes significantly.
type SceneCut struct {
	// Timestamp is the cut position in seconds.
	Timestamp float64 `json:"timestamp"`
	// Confidence is the detector's score for this cut, 0..1.
	Confidence float64 `json:"confidence"`
}

// Section is a half-open interval of the timeline, used by the supplementary
// detectors (black frames, constant luminance, motion).
type Section struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is one transcribed utterance with absolute timing.
type Segment struct {
	// Start is the absolute start time in seconds.
	Start float64 `json:"start"`
	// Duration is the segment length in seconds.
	Duration float64 `json:"duration"`
	// Text is the transcribed speech.
	Text string `json:"text"`
	// Confidence is the ASR confidence, 0..1.
	Confidence float64 `json:"confidence"`
}

// End returns the absolute end time of the segment.
func (s Segment) End() float64 {
	return s.Start + s.Duration
}

// Scene is an interval between two adjacent scene cuts (or a cut and a video
// boundary). Scenes are derived, never persisted as independent entities.
type Scene struct {
	// SceneNumber is 1-based and dense after filtering.
	SceneNumber int
	// StartTime and EndTime bound the scene in seconds.
	StartTime float64
	EndTime   float64
	// ScreenshotPath is the on-disk mid-point frame, when extraction succeeded.
	ScreenshotPath string
	// OCRText is the extracted on-screen text for the mid-point frame.
	OCRText string
	// OCRConfidence is the provider confidence for OCRText, 0..1.
	OCRConfidence float64
	// Narration is the transcript overlapping this scene.
	Narration string
}

// MidTime returns the representative frame timestamp of the scene.
func (s Scene) MidTime() float64 {
	return (s.StartTime + s.EndTime) / 2
}

// Duration returns the scene length in seconds.
func (s Scene) Duration() float64 {
	return s.EndTime - s.StartTime
}

// MergeCuts merges cut lists from multiple detection passes. Timestamps are
// rounded to 0.1s; when passes disagree on the same rounded timestamp, the
// maximum confidence wins. The result is sorted by timestamp.
func MergeCuts(sets ...[]SceneCut) []SceneCut {
	byStamp := make(map[float64]float64)
	for _, set := range sets {
		for _, c := range set {
			ts := math.Round(c.Timestamp*10) / 10
			if conf, ok := byStamp[ts]; !ok || c.Confidence > conf {
				byStamp[ts] = c.Confidence
			}
		}
	}

	out := make([]SceneCut, 0, len(byStamp))
	for ts, conf := range byStamp {
		out = append(out, SceneCut{Timestamp: ts, Confidence: conf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// FilterMinInterval drops cuts closer than minInterval to their predecessor,
// keeping the earlier cut. The input must be sorted by timestamp.
func FilterMinInterval(cuts []SceneCut, minInterval float64) []SceneCut {
	if len(cuts) == 0 {
		return nil
	}
	out := make([]SceneCut, 0, len(cuts))
	out = append(out, cuts[0])
	for _, c := range cuts[1:] {
		if c.Timestamp-out[len(out)-1].Timestamp < minInterval {
			continue
		}
		out = append(out, c)
	}
	return out
}

// MergeCutsWindow folds supplementary cuts into a base cut list. A
// supplementary cut within window seconds of a base cut replaces it only if
// its confidence is higher; otherwise it is added as a new cut. The result
// is sorted.
func MergeCutsWindow(base, extra []SceneCut, window float64) []SceneCut {
	out := make([]SceneCut, len(base))
	copy(out, base)

	for _, e := range extra {
		matched := false
		for i := range out {
			if math.Abs(out[i].Timestamp-e.Timestamp) <= window {
				matched = true
				if e.Confidence > out[i].Confidence {
					out[i] = e
				}
				break
			}
		}
		if !matched {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// BuildScenes turns a sorted cut list plus the video duration into the scene
// list. A cut at timestamp 0 is accepted; when the first cut is later, the
// video start opens the first scene. Scenes shorter than minSceneDuration
// are dropped, and numbering is dense (1..N) after filtering.
func BuildScenes(cuts []SceneCut, duration, minSceneDuration float64) []Scene {
	if duration <= 0 {
		return nil
	}

	bounds := make([]float64, 0, len(cuts)+2)
	bounds = append(bounds, 0)
	for _, c := range cuts {
		if c.Timestamp > 0 && c.Timestamp < duration {
			bounds = append(bounds, c.Timestamp)
		}
	}
	bounds = append(bounds, duration)

	scenes := make([]Scene, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		start, end := bounds[i], bounds[i+1]
		if end-start < minSceneDuration {
			continue
		}
		scenes = append(scenes, Scene{
			SceneNumber: len(scenes) + 1,
			StartTime:   start,
			EndTime:     end,
		})
	}
	return scenes
}

// MergeSegments sorts segments by absolute start time and deduplicates
// boundary-duplicated speech: adjacent segments with identical text whose gap
// is smaller than the chunk overlap collapse into one segment spanning both.
func MergeSegments(segs []Segment, overlap float64) []Segment {
	if len(segs) == 0 {
		return nil
	}

	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]Segment, 0, len(sorted))
	out = append(out, sorted[0])
	for _, s := range sorted[1:] {
		prev := &out[len(out)-1]
		gap := s.Start - prev.End()
		if s.Text == prev.Text && gap < overlap {
			if s.End() > prev.End() {
				prev.Duration = s.End() - prev.Start
			}
			if s.Confidence > prev.Confidence {
				prev.Confidence = s.Confidence
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// AttachNarration assigns each scene the concatenated text of the segments
// whose midpoint falls inside it.
func AttachNarration(scenes []Scene, segs []Segment) {
	for i := range scenes {
		var text string
		for _, seg := range segs {
			mid := seg.Start + seg.Duration/2
			if mid >= scenes[i].StartTime && mid < scenes[i].EndTime && seg.Text != "" {
				if text != "" {
					text += " "
				}
				text += seg.Text
			}
		}
		scenes[i].Narration = text
	}
}

// SectionsToCuts converts detector sections into candidate cuts at their
// boundaries with a fixed confidence, used by enhanced detection mode.
func SectionsToCuts(sections []Section, confidence float64) []SceneCut {
	cuts := make([]SceneCut, 0, len(sections)*2)
	for _, s := range sections {
		cuts = append(cuts, SceneCut{Timestamp: s.Start, Confidence: confidence})
		if s.End > s.Start {
			cuts = append(cuts, SceneCut{Timestamp: s.End, Confidence: confidence})
		}
	}
	return cuts
}
