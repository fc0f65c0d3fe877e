package ocr

import (
	"math"
	"strings"

	"github.com/videolens/worker/internal/analysis"
)

// minScenesForOverlayFilter disables overlay filtering for very short videos,
// where a recurring line is more likely real content than chrome.
const minScenesForOverlayFilter = 3

// minDuplicatePersistence is the cumulative run duration above which
// consecutive identical OCR text is treated as genuinely persistent
// on-screen text rather than a duplicate, in seconds.
const minDuplicatePersistence = 5.0

// overlayThreshold returns the fraction of scenes a line must appear in to
// count as a persistent overlay (channel watermark, player chrome). The
// threshold relaxes as the scene count grows.
func overlayThreshold(sceneCount int) float64 {
	switch {
	case sceneCount < 20:
		return 0.8
	case sceneCount < 50:
		return 0.7
	case sceneCount < 100:
		return 0.6
	default:
		return 0.5
	}
}

// FilterPersistentOverlays removes text lines that recur across a large
// fraction of scenes. Line matching is case-insensitive on trimmed lines.
// The filter is idempotent: lines that survive one pass keep the same tally
// and survive every later pass.
func FilterPersistentOverlays(scenes []analysis.Scene) []analysis.Scene {
	if len(scenes) < minScenesForOverlayFilter {
		return scenes
	}

	tally := make(map[string]int)
	for _, s := range scenes {
		seen := make(map[string]bool)
		for _, line := range splitLines(s.OCRText) {
			key := normalizeLine(line)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			tally[key]++
		}
	}

	// A line is an overlay only when count/sceneCount >= threshold, so the
	// cutoff rounds up.
	threshold := overlayThreshold(len(scenes))
	minCount := int(math.Ceil(float64(len(scenes)) * threshold))
	if minCount < 2 {
		minCount = 2
	}

	out := make([]analysis.Scene, len(scenes))
	copy(out, scenes)
	for i := range out {
		lines := splitLines(out[i].OCRText)
		kept := lines[:0]
		for _, line := range lines {
			if tally[normalizeLine(line)] >= minCount {
				continue
			}
			kept = append(kept, line)
		}
		out[i].OCRText = strings.Join(kept, "\n")
	}
	return out
}

// SuppressConsecutiveDuplicates blanks repeated OCR text in consecutive
// scenes, keeping the first occurrence. Runs whose cumulative duration
// reaches the persistence threshold are left intact: text that stays on
// screen that long is content, not a detector artifact.
func SuppressConsecutiveDuplicates(scenes []analysis.Scene) []analysis.Scene {
	out := make([]analysis.Scene, len(scenes))
	copy(out, scenes)

	i := 0
	for i < len(out) {
		key := normalizeLine(out[i].OCRText)
		if key == "" {
			i++
			continue
		}

		j := i
		runDuration := out[i].Duration()
		for j+1 < len(out) && normalizeLine(out[j+1].OCRText) == key {
			j++
			runDuration += out[j].Duration()
		}

		if j > i && runDuration < minDuplicatePersistence {
			for k := i + 1; k <= j; k++ {
				out[k].OCRText = ""
				out[k].OCRConfidence = 0
			}
		}
		i = j + 1
	}
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	raw := strings.Split(text, "\n")
	lines := raw[:0]
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func normalizeLine(line string) string {
	return strings.ToLower(strings.Join(strings.Fields(line), " "))
}
