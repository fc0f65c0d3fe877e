package media

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/videolens/worker/internal/apperr"
)

// Metadata is the probed shape of a video file.
type Metadata struct {
	Duration float64
	Width    int
	Height   int
	FPS      float64
	Codec    string
	HasAudio bool
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe extracts duration, dimensions, frame rate, and codec via ffprobe.
func (a *Adapter) Probe(ctx context.Context, path string) (Metadata, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	out, err := a.run(ctx, a.timeouts.Probe, a.ffprobePath, args, nil)
	if err != nil {
		return Metadata{}, err
	}

	var parsed probeOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return Metadata{}, apperr.Wrap(apperr.KindPermanentExternal, "parse ffprobe output", err)
	}

	meta := Metadata{}
	meta.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if meta.Codec == "" {
				meta.Codec = s.CodecName
				meta.Width = s.Width
				meta.Height = s.Height
				meta.FPS = parseFrameRate(s.AvgFrameRate)
			}
		case "audio":
			meta.HasAudio = true
		}
	}

	if meta.Duration <= 0 {
		return Metadata{}, apperr.New(apperr.KindPermanentExternal, "video has no parseable duration")
	}
	return meta, nil
}

// parseFrameRate parses ffprobe's "num/den" frame rate notation.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
