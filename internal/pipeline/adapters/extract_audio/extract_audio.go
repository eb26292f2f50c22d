// Package extractaudio implements the extract_audio stage: transcode the
// imported source video to FLAC 48kHz stereo for speech_to_text.
package extractaudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	importvideo "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/import_video"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"
)

const (
	sampleRateHertz = 48000
	channels        = 2
)

// Output is the transcoded audio artifact speech_to_text reads.
type Output struct {
	FilePath        string `json:"file_path"`
	SampleRateHertz int    `json:"sample_rate_hertz"`
	Channels        int    `json:"channels"`
}

// malformedMarkers are ffmpeg stderr substrings indicating the input
// itself is broken rather than a transient transcoder hiccup.
var malformedMarkers = []string{
	"invalid data found when processing input",
	"moov atom not found",
	"could not find codec parameters",
}

func New(log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		log:        log.With("stage", "extract_audio"),
		ffmpegPath: utils.GetEnv("FFMPEG_PATH", "ffmpeg", log),
		timeout:    time.Duration(utils.GetEnvAsInt("EXTRACT_AUDIO_TIMEOUT_SECONDS", 180, log)) * time.Second,
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	log        *logger.Logger
	ffmpegPath string
	timeout    time.Duration
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawImport, ok := in.Output(pipeline.StageImportVideo)
	if !ok {
		return nil, adapterutil.Fatal("extract_audio: missing import_video output")
	}
	importOut, err := adapterutil.DecodeOutput[importvideo.Output](rawImport)
	if err != nil {
		return nil, adapterutil.Fatal("extract_audio: %v", err)
	}

	if err := in.Scratch.Ensure(); err != nil {
		return nil, fmt.Errorf("extract_audio: scratch dir: %w", err)
	}
	dst := in.Scratch.Path("audio.flac")

	ctx, cancel := context.WithTimeout(in.Ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-y",
		"-i", importOut.FilePath,
		"-vn",
		"-ar", fmt.Sprintf("%d", sampleRateHertz),
		"-ac", fmt.Sprintf("%d", channels),
		"-sample_fmt", "s16",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		lower := strings.ToLower(stderr.String())
		for _, marker := range malformedMarkers {
			if strings.Contains(lower, marker) {
				return nil, adapterutil.Fatal("extract_audio: malformed source video: %s", firstLine(stderr.String()))
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("extract_audio: transcode timed out after %s: %w", a.timeout, ctx.Err())
		}
		return nil, fmt.Errorf("extract_audio: ffmpeg failed: %w (stderr: %s)", runErr, firstLine(stderr.String()))
	}

	out := Output{
		FilePath:        dst,
		SampleRateHertz: sampleRateHertz,
		Channels:        channels,
	}
	return adapterutil.EncodeOutput(out)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
