package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/videolens/worker/internal/analysis"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001},
		{"0/0", 0},
		{"25", 25},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseFrameRate(tt.in); got != tt.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := formatSeconds(12.3456); got != "12.346" {
		t.Errorf("formatSeconds = %q", got)
	}
	if got := formatSeconds(0); got != "0.000" {
		t.Errorf("formatSeconds(0) = %q", got)
	}
}

func TestSilenceRegexes(t *testing.T) {
	start := silenceStartRe.FindStringSubmatch("[silencedetect @ 0x5] silence_start: 12.52")
	if start == nil || start[1] != "12.52" {
		t.Errorf("silence_start not parsed: %v", start)
	}
	end := silenceEndRe.FindStringSubmatch("[silencedetect @ 0x5] silence_end: 14.1 | silence_duration: 1.58")
	if end == nil || end[1] != "14.1" {
		t.Errorf("silence_end not parsed: %v", end)
	}
	neg := silenceStartRe.FindStringSubmatch("silence_start: -0.01")
	if neg == nil || neg[1] != "-0.01" {
		t.Errorf("negative silence_start not parsed: %v", neg)
	}
}

func TestSceneRegexes(t *testing.T) {
	pts := ptsTimeRe.FindStringSubmatch("[Parsed_metadata_1 @ 0x6] frame:1 pts:377377 pts_time:12.579233")
	if pts == nil || pts[1] != "12.579233" {
		t.Errorf("pts_time not parsed: %v", pts)
	}
	score := sceneScoreRe.FindStringSubmatch("[Parsed_metadata_1 @ 0x6] lavfi.scene_score=0.416024")
	if score == nil || score[1] != "0.416024" {
		t.Errorf("scene_score not parsed: %v", score)
	}
	black := blackStartRe.FindStringSubmatch("[blackdetect @ 0x7] black_start:4.2 black_end:5.0 black_duration:0.8")
	if black == nil || black[1] != "4.2" {
		t.Errorf("black_start not parsed: %v", black)
	}
	freeze := freezeStartRe.FindStringSubmatch("lavfi.freezedetect.freeze_start: 10.01")
	if freeze == nil || freeze[1] != "10.01" {
		t.Errorf("freeze_start not parsed: %v", freeze)
	}
}

func TestClusterCuts(t *testing.T) {
	cuts := []analysis.SceneCut{
		{Timestamp: 1.0},
		{Timestamp: 1.4},
		{Timestamp: 1.9},
		{Timestamp: 10.0}, // isolated
		{Timestamp: 20.0},
		{Timestamp: 20.5},
	}
	sections := ClusterCuts(cuts, 1.0)
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d: %v", len(sections), sections)
	}
	if sections[0].Start != 1.0 || sections[0].End != 1.9 {
		t.Errorf("first section = %+v", sections[0])
	}
	if sections[1].Start != 20.0 || sections[1].End != 20.5 {
		t.Errorf("second section = %+v", sections[1])
	}
}

func TestSceneDetectTimeoutScalesWithDuration(t *testing.T) {
	a := NewAdapter("", "", Timeouts{SceneDetect: 10 * time.Minute}, nil)
	if got := a.sceneDetectTimeout(60); got != 10*time.Minute {
		t.Errorf("short video timeout = %v, want configured minimum", got)
	}
	if got := a.sceneDetectTimeout(7200); got != 4*time.Hour {
		t.Errorf("long video timeout = %v, want 4h", got)
	}
}

func TestSplitAudioIntoChunks_ShortAudioSingleChunk(t *testing.T) {
	a := NewAdapter("", "", DefaultTimeouts(), nil)
	chunks, err := a.SplitAudioIntoChunks(context.Background(), "/tmp/a.wav", "/tmp", 120, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("SplitAudioIntoChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Path != "/tmp/a.wav" || c.Offset != 0 || c.Duration != 120 {
		t.Errorf("chunk = %+v", c)
	}
}

func TestToolError(t *testing.T) {
	cause := errors.New("exit status 1")
	te := &ToolError{Bin: "ffmpeg", Args: []string{"-i", "x"}, Stderr: "boom", Err: cause}
	if !errors.Is(te, cause) {
		t.Error("Unwrap lost the cause")
	}
	if msg := te.Error(); msg == "" {
		t.Error("empty error message")
	}
}
