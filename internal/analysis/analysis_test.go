package analysis

import (
	"math"
	"testing"
)

func TestBuildScenes(t *testing.T) {
	cuts := []SceneCut{
		{Timestamp: 12.5, Confidence: 0.9},
		{Timestamp: 22.0, Confidence: 0.8},
	}

	scenes := BuildScenes(cuts, 30, 0.8)
	if len(scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(scenes))
	}

	wantMid := []float64{6.25, 17.25, 26.0}
	for i, s := range scenes {
		if s.SceneNumber != i+1 {
			t.Errorf("scene %d: number = %d, want %d", i, s.SceneNumber, i+1)
		}
		if math.Abs(s.MidTime()-wantMid[i]) > 1e-9 {
			t.Errorf("scene %d: midTime = %v, want %v", i, s.MidTime(), wantMid[i])
		}
	}
}

func TestBuildScenes_DropShortAndRenumber(t *testing.T) {
	cuts := []SceneCut{
		{Timestamp: 5.0},
		{Timestamp: 5.3}, // opens a 0.3s scene, dropped
		{Timestamp: 10.0},
	}

	scenes := BuildScenes(cuts, 20, 0.8)
	if len(scenes) != 3 {
		t.Fatalf("expected 3 scenes after dropping short one, got %d", len(scenes))
	}
	for i, s := range scenes {
		if s.SceneNumber != i+1 {
			t.Errorf("numbering not dense: scene %d has number %d", i, s.SceneNumber)
		}
	}
}

func TestBuildScenes_Edges(t *testing.T) {
	if got := BuildScenes(nil, 0, 0.8); got != nil {
		t.Errorf("zero duration: expected nil, got %v", got)
	}
	// A cut at 0 or beyond the duration never opens a scene.
	scenes := BuildScenes([]SceneCut{{Timestamp: 0}, {Timestamp: 31}}, 30, 0.8)
	if len(scenes) != 1 {
		t.Fatalf("expected the whole video as one scene, got %d scenes", len(scenes))
	}
	if scenes[0].StartTime != 0 || scenes[0].EndTime != 30 {
		t.Errorf("scene bounds = [%v, %v], want [0, 30]", scenes[0].StartTime, scenes[0].EndTime)
	}
}

func TestMergeCuts(t *testing.T) {
	a := []SceneCut{{Timestamp: 5.01, Confidence: 0.3}, {Timestamp: 10.0, Confidence: 0.5}}
	b := []SceneCut{{Timestamp: 4.99, Confidence: 0.7}}

	merged := MergeCuts(a, b)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged cuts, got %d", len(merged))
	}
	if merged[0].Timestamp != 5.0 {
		t.Errorf("first cut at %v, want 5.0", merged[0].Timestamp)
	}
	if merged[0].Confidence != 0.7 {
		t.Errorf("first cut confidence %v, want max 0.7", merged[0].Confidence)
	}
}

func TestFilterMinInterval(t *testing.T) {
	cuts := []SceneCut{
		{Timestamp: 1.0},
		{Timestamp: 2.5},
		{Timestamp: 3.1},
		{Timestamp: 4.0},
	}
	got := FilterMinInterval(cuts, 2.0)
	if len(got) != 2 {
		t.Fatalf("expected 2 cuts, got %d: %v", len(got), got)
	}
	if got[0].Timestamp != 1.0 || got[1].Timestamp != 3.1 {
		t.Errorf("kept cuts %v, want [1.0 3.1]", got)
	}
}

func TestMergeCutsWindow(t *testing.T) {
	base := []SceneCut{{Timestamp: 10.0, Confidence: 0.5}}
	extra := []SceneCut{
		{Timestamp: 10.3, Confidence: 0.9}, // within window, higher confidence
		{Timestamp: 20.0, Confidence: 0.4}, // new cut
	}

	merged := MergeCutsWindow(base, extra, 0.5)
	if len(merged) != 2 {
		t.Fatalf("expected 2 cuts, got %d", len(merged))
	}
	if merged[0].Confidence != 0.9 {
		t.Errorf("window merge kept confidence %v, want 0.9", merged[0].Confidence)
	}
	if merged[1].Timestamp != 20.0 {
		t.Errorf("second cut at %v, want 20.0", merged[1].Timestamp)
	}
}

func TestMergeSegments(t *testing.T) {
	segs := []Segment{
		{Start: 299.2, Duration: 1.5, Text: "hello there", Confidence: 0.8},
		{Start: 0.5, Duration: 2.0, Text: "intro", Confidence: 0.9},
		{Start: 300.0, Duration: 1.5, Text: "hello there", Confidence: 0.95},
	}

	merged := MergeSegments(segs, 1.0)
	if len(merged) != 2 {
		t.Fatalf("expected 2 segments after dedup, got %d", len(merged))
	}
	if merged[0].Text != "intro" {
		t.Errorf("segments not sorted: first is %q", merged[0].Text)
	}
	dup := merged[1]
	if dup.Start != 299.2 {
		t.Errorf("merged duplicate start %v, want 299.2", dup.Start)
	}
	if math.Abs(dup.End()-301.5) > 1e-9 {
		t.Errorf("merged duplicate end %v, want 301.5", dup.End())
	}
	if dup.Confidence != 0.95 {
		t.Errorf("merged duplicate confidence %v, want 0.95", dup.Confidence)
	}
}

func TestMergeSegments_KeepsDistantRepeats(t *testing.T) {
	segs := []Segment{
		{Start: 0, Duration: 1, Text: "again"},
		{Start: 50, Duration: 1, Text: "again"},
	}
	if got := MergeSegments(segs, 1.0); len(got) != 2 {
		t.Errorf("distant identical text merged, want both kept: %v", got)
	}
}

func TestAttachNarration(t *testing.T) {
	scenes := []Scene{
		{SceneNumber: 1, StartTime: 0, EndTime: 10},
		{SceneNumber: 2, StartTime: 10, EndTime: 20},
	}
	segs := []Segment{
		{Start: 1, Duration: 2, Text: "first"},
		{Start: 8, Duration: 1, Text: "second"},
		{Start: 9.5, Duration: 2, Text: "straddles"}, // midpoint 10.5, scene 2
		{Start: 30, Duration: 1, Text: "beyond"},
	}

	AttachNarration(scenes, segs)
	if scenes[0].Narration != "first second" {
		t.Errorf("scene 1 narration = %q", scenes[0].Narration)
	}
	if scenes[1].Narration != "straddles" {
		t.Errorf("scene 2 narration = %q", scenes[1].Narration)
	}
}

func TestSectionsToCuts(t *testing.T) {
	cuts := SectionsToCuts([]Section{{Start: 1, End: 3}, {Start: 5, End: 5}}, 0.6)
	if len(cuts) != 3 {
		t.Fatalf("expected 3 cuts, got %d", len(cuts))
	}
	for _, c := range cuts {
		if c.Confidence != 0.6 {
			t.Errorf("cut confidence %v, want 0.6", c.Confidence)
		}
	}
}
