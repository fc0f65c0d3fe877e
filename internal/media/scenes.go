package media

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/videolens/worker/internal/analysis"
)

// Scene detection runs the ffmpeg scene filter in multiple passes at
// decreasing sensitivity and merges the results: low thresholds find subtle
// transitions, high thresholds confirm hard cuts with high confidence.
const (
	// MinSceneInterval is the minimum spacing between kept cuts, in seconds.
	MinSceneInterval = 2.0
	// enhancedMergeWindow is the window for folding supplementary cuts into
	// the base cut list.
	enhancedMergeWindow = 0.5
)

// DefaultSceneThresholds are the calibrated scene-score thresholds for the
// multi-pass detection.
var DefaultSceneThresholds = []float64{0.02, 0.05, 0.08}

var (
	ptsTimeRe    = regexp.MustCompile(`pts_time:([0-9.]+)`)
	sceneScoreRe = regexp.MustCompile(`lavfi\.scene_score=([0-9.]+)`)

	blackStartRe  = regexp.MustCompile(`black_start:([0-9.]+)`)
	blackEndRe    = regexp.MustCompile(`black_end:([0-9.]+)`)
	freezeStartRe = regexp.MustCompile(`freeze_start:\s*([0-9.]+)`)
	freezeEndRe   = regexp.MustCompile(`freeze_end:\s*([0-9.]+)`)
)

// DetectSceneCuts runs the multi-pass scene detection over the video and
// returns merged, minimum-interval-filtered cuts sorted by timestamp.
// onProgress receives 0..100 as the passes advance through the timeline.
func (a *Adapter) DetectSceneCuts(ctx context.Context, video string, duration float64, thresholds []float64, minInterval float64, onProgress func(float64)) ([]analysis.SceneCut, error) {
	if len(thresholds) == 0 {
		thresholds = DefaultSceneThresholds
	}
	if minInterval <= 0 {
		minInterval = MinSceneInterval
	}

	timeout := a.sceneDetectTimeout(duration)
	passes := make([][]analysis.SceneCut, 0, len(thresholds))
	for i, threshold := range thresholds {
		passBase := float64(i) / float64(len(thresholds))
		passShare := 1.0 / float64(len(thresholds))

		cuts, err := a.sceneDetectPass(ctx, video, threshold, timeout, func(ts float64) {
			if onProgress != nil && duration > 0 {
				onProgress((passBase + passShare*minF(ts/duration, 1)) * 100)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("scene pass threshold %.3f: %w", threshold, err)
		}
		passes = append(passes, cuts)
	}

	merged := analysis.MergeCuts(passes...)
	return analysis.FilterMinInterval(merged, minInterval), nil
}

// sceneDetectPass runs one threshold pass and parses pts_time/scene_score
// pairs from the metadata printer's stderr output.
func (a *Adapter) sceneDetectPass(ctx context.Context, video string, threshold float64, timeout time.Duration, onTimestamp func(float64)) ([]analysis.SceneCut, error) {
	filter := fmt.Sprintf("select='gt(scene,%s)',metadata=print", strconv.FormatFloat(threshold, 'f', -1, 64))
	args := []string{
		"-i", video,
		"-vf", filter,
		"-an",
		"-f", "null", "-",
	}

	var cuts []analysis.SceneCut
	var pendingTS = -1.0
	onLine := func(line string) {
		if m := ptsTimeRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				pendingTS = v
				if onTimestamp != nil {
					onTimestamp(v)
				}
			}
			return
		}
		if m := sceneScoreRe.FindStringSubmatch(line); m != nil && pendingTS >= 0 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				cuts = append(cuts, analysis.SceneCut{Timestamp: pendingTS, Confidence: v})
				pendingTS = -1
			}
		}
	}

	if err := a.runExpectFailure(ctx, timeout, args, onLine); err != nil {
		return nil, err
	}
	return cuts, nil
}

// sceneDetectTimeout scales the configured timeout with the video duration
// so multi-hour inputs get proportionally more budget.
func (a *Adapter) sceneDetectTimeout(duration float64) time.Duration {
	t := a.timeouts.SceneDetect
	scaled := time.Duration(duration*2) * time.Second
	if scaled > t {
		return scaled
	}
	return t
}

// FrameOptions size the extracted frame. Zero values keep the source size.
type FrameOptions struct {
	Width  int
	Height int
}

// ExtractFrame extracts the frame at timestamp into out.
func (a *Adapter) ExtractFrame(ctx context.Context, video string, timestamp float64, out string, opts FrameOptions) error {
	args := []string{
		"-y",
		"-ss", formatSeconds(timestamp),
		"-i", video,
		"-frames:v", "1",
		"-q:v", "2",
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height))
	}
	args = append(args, out)

	_, err := a.run(ctx, a.timeouts.Frame, a.ffmpegPath, args, nil)
	return err
}

// ProbeBlackSections finds intervals of near-black frames, used by enhanced
// detection mode.
func (a *Adapter) ProbeBlackSections(ctx context.Context, video string, duration float64) ([]analysis.Section, error) {
	args := []string{
		"-i", video,
		"-vf", "blackdetect=d=0.5:pix_th=0.10",
		"-an",
		"-f", "null", "-",
	}
	return a.probeSections(ctx, video, duration, args, blackStartRe, blackEndRe)
}

// ProbeConstantLuminance finds frozen/static intervals via freezedetect, used
// by enhanced detection mode.
func (a *Adapter) ProbeConstantLuminance(ctx context.Context, video string, duration float64) ([]analysis.Section, error) {
	args := []string{
		"-i", video,
		"-vf", "freezedetect=n=-60dB:d=2",
		"-an",
		"-f", "null", "-",
	}
	return a.probeSections(ctx, video, duration, args, freezeStartRe, freezeEndRe)
}

// ProbeMotionSections finds bursts of rapid visual change by running the
// scene filter at a very low threshold and clustering the resulting cuts.
func (a *Adapter) ProbeMotionSections(ctx context.Context, video string, duration float64) ([]analysis.Section, error) {
	cuts, err := a.sceneDetectPass(ctx, video, 0.004, a.sceneDetectTimeout(duration), nil)
	if err != nil {
		return nil, err
	}
	return ClusterCuts(cuts, 1.0), nil
}

// DetectEnhancedCuts runs the supplementary detectors and converts their
// section boundaries into candidate cuts. The orchestrator merges them with
// the base cut list, keeping the higher-confidence cut when two fall within
// half a second.
func (a *Adapter) DetectEnhancedCuts(ctx context.Context, video string, duration float64) ([]analysis.SceneCut, error) {
	black, err := a.ProbeBlackSections(ctx, video, duration)
	if err != nil {
		return nil, fmt.Errorf("black sections: %w", err)
	}
	frozen, err := a.ProbeConstantLuminance(ctx, video, duration)
	if err != nil {
		return nil, fmt.Errorf("constant luminance: %w", err)
	}
	motion, err := a.ProbeMotionSections(ctx, video, duration)
	if err != nil {
		return nil, fmt.Errorf("motion sections: %w", err)
	}

	cuts := analysis.SectionsToCuts(black, 0.6)
	cuts = append(cuts, analysis.SectionsToCuts(frozen, 0.5)...)
	cuts = append(cuts, analysis.SectionsToCuts(motion, 0.4)...)
	return analysis.MergeCuts(cuts), nil
}

// EnhancedMergeWindow is the timestamp window for merging enhanced-mode cuts
// into the base list.
func EnhancedMergeWindow() float64 {
	return enhancedMergeWindow
}

func (a *Adapter) probeSections(ctx context.Context, video string, duration float64, args []string, startRe, endRe *regexp.Regexp) ([]analysis.Section, error) {
	var sections []analysis.Section
	var pendingStart = -1.0
	onLine := func(line string) {
		if m := startRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				pendingStart = v
			}
		}
		// A single stderr line can carry both markers.
		if m := endRe.FindStringSubmatch(line); m != nil && pendingStart >= 0 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				sections = append(sections, analysis.Section{Start: pendingStart, End: v})
				pendingStart = -1
			}
		}
	}

	if err := a.runExpectFailure(ctx, a.sceneDetectTimeout(duration), args, onLine); err != nil {
		return nil, err
	}
	return sections, nil
}

// ClusterCuts groups cuts whose spacing is below maxGap into sections
// spanning the burst. Isolated cuts produce no section.
func ClusterCuts(cuts []analysis.SceneCut, maxGap float64) []analysis.Section {
	var sections []analysis.Section
	i := 0
	for i < len(cuts) {
		j := i
		for j+1 < len(cuts) && cuts[j+1].Timestamp-cuts[j].Timestamp < maxGap {
			j++
		}
		if j > i {
			sections = append(sections, analysis.Section{
				Start: cuts[i].Timestamp,
				End:   cuts[j].Timestamp,
			})
		}
		i = j + 1
	}
	return sections
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
