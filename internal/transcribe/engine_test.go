package transcribe

import (
	"testing"

	"github.com/videolens/worker/internal/analysis"
	"github.com/videolens/worker/internal/media"
)

func TestNoiseFloorDB(t *testing.T) {
	tests := []struct {
		sensitivity float64
		want        float64
	}{
		{0, -60},
		{0.3, -48},
		{0.5, -40},
		{1, -20},
		{-2, -60},
		{5, -20},
	}
	for _, tt := range tests {
		if got := NoiseFloorDB(tt.sensitivity); got != tt.want {
			t.Errorf("NoiseFloorDB(%v) = %v, want %v", tt.sensitivity, got, tt.want)
		}
	}
}

func TestSpeechWindows_InvertsSilences(t *testing.T) {
	silences := []analysis.Section{
		{Start: 2, End: 4},
		{Start: 7, End: 8},
	}
	got := SpeechWindows(silences, 10, 0.1, 100)
	want := []analysis.Section{
		{Start: 0, End: 2},
		{Start: 4, End: 7},
		{Start: 8, End: 10},
	}
	if len(got) != len(want) {
		t.Fatalf("windows = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("window %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSpeechWindows_NoSilenceIsAllSpeech(t *testing.T) {
	got := SpeechWindows(nil, 6, 0.1, 100)
	if len(got) != 1 || got[0].Start != 0 || got[0].End != 6 {
		t.Fatalf("windows = %v", got)
	}
}

func TestSpeechWindows_AllSilence(t *testing.T) {
	got := SpeechWindows([]analysis.Section{{Start: 0, End: 10}}, 10, 0.1, 100)
	if len(got) != 0 {
		t.Fatalf("expected no speech windows, got %v", got)
	}
}

func TestSpeechWindows_DropsSubMinimumWindows(t *testing.T) {
	silences := []analysis.Section{
		{Start: 0.05, End: 5},
	}
	got := SpeechWindows(silences, 10, 0.10, 100)
	if len(got) != 1 || got[0].Start != 5 {
		t.Fatalf("windows = %v, want only the post-silence window", got)
	}
}

func TestSpeechWindows_SplitsLongWindows(t *testing.T) {
	got := SpeechWindows(nil, 25, 0.1, 10)
	want := []analysis.Section{
		{Start: 0, End: 10},
		{Start: 10, End: 20},
		{Start: 20, End: 25},
	}
	if len(got) != len(want) {
		t.Fatalf("windows = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slice %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSpeechWindows_FoldsSubMinimumTail(t *testing.T) {
	// 20.05s window splits into 10+10+0.05; the 0.05 tail is below the
	// minimum and extends the previous slice instead.
	got := SpeechWindows(nil, 20.05, 0.10, 10)
	if len(got) != 2 {
		t.Fatalf("windows = %v, want 2 slices", got)
	}
	if got[1].End != 20.05 {
		t.Errorf("last slice end = %v, want 20.05", got[1].End)
	}
}

func TestChunkCount(t *testing.T) {
	e := NewEngine(nil, nil, nil, Options{
		Chunking:         media.ChunkOptions{ChunkDuration: 300, OverlapDuration: 1, MinDurationForChunking: 600},
		MaxSliceDuration: 10,
	}, nil)

	tests := []struct {
		duration float64
		want     int
	}{
		{120, 1},
		{599, 1},
		{700, 3},  // strides at 0, 299, 598
		{1200, 5}, // strides at 0, 299, 598, 897, 1196
	}
	for _, tt := range tests {
		if got := e.ChunkCount(tt.duration); got != tt.want {
			t.Errorf("ChunkCount(%v) = %d, want %d", tt.duration, got, tt.want)
		}
	}
}
