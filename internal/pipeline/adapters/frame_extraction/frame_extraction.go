// Package frameextraction implements the frame_extraction stage: sample
// frames from the source video at an adaptive rate for the OCR,
// detection, and keyframe stages downstream.
package frameextraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	importvideo "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/import_video"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"
)

// Output records the sampling the stage performed: the adaptive rate
// chosen, how many frames were written, the original-fps/adaptive-fps
// step ratio keyframe_selection walks by, and the frames directory.
type Output struct {
	AdaptiveFPS     float64 `json:"adaptive_fps"`
	FramesExtracted int     `json:"frames_extracted"`
	Steps           int     `json:"steps"`
	FramesDir       string  `json:"frames_dir"`
	Duration        float64 `json:"duration"`
	SourceFPS       float64 `json:"source_fps"`
}

func New(log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		log:        log.With("stage", "frame_extraction"),
		ffmpegPath: utils.GetEnv("FFMPEG_PATH", "ffmpeg", log),
		ffprobePath: utils.GetEnv("FFPROBE_PATH", "ffprobe", log),
		defaultFPS: float64(utils.GetEnvAsInt("FRAME_EXTRACTION_RATE", 4, log)),
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	log         *logger.Logger
	ffmpegPath  string
	ffprobePath string
	defaultFPS  float64
}

// calculateAdaptiveFPS is the piecewise schedule from the source
// pipeline's frame_extraction submodule: shorter videos get denser
// sampling, and videos over fifteen minutes sample at duration/300 frames
// per second, never below one.
func (a *adapter) calculateAdaptiveFPS(durationSec float64) float64 {
	switch {
	case durationSec <= 60:
		return a.defaultFPS
	case durationSec <= 300:
		return math.Max(1, a.defaultFPS-1)
	case durationSec <= 900:
		return math.Max(1, a.defaultFPS-2)
	default:
		return math.Max(1, durationSec/300)
	}
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawImport, ok := in.Output(pipeline.StageImportVideo)
	if !ok {
		return nil, adapterutil.Fatal("frame_extraction: missing import_video output")
	}
	importOut, err := adapterutil.DecodeOutput[importvideo.Output](rawImport)
	if err != nil {
		return nil, adapterutil.Fatal("frame_extraction: %v", err)
	}

	duration, sourceFPS, err := a.probe(in.Ctx, importOut.FilePath)
	if err != nil {
		return nil, fmt.Errorf("frame_extraction: probe: %w", err)
	}
	if duration <= 0 {
		duration = importOut.Duration
	}
	if duration <= 0 {
		return nil, adapterutil.Fatal("frame_extraction: source video has no usable duration")
	}

	adaptiveFPS := a.calculateAdaptiveFPS(duration)
	framesToExtract := int(duration * adaptiveFPS)
	if framesToExtract < 1 {
		framesToExtract = 1
	}
	step := 1
	if sourceFPS > 0 && adaptiveFPS > 0 {
		step = int(math.Max(1, math.Round(sourceFPS/adaptiveFPS)))
	}

	framesDir := in.Scratch.Path("frames")
	if err := in.Scratch.Ensure(); err != nil {
		return nil, fmt.Errorf("frame_extraction: scratch dir: %w", err)
	}
	if err := ensureDir(framesDir); err != nil {
		return nil, fmt.Errorf("frame_extraction: frames dir: %w", err)
	}

	indices := adapterutil.LinspaceInt(0, duration*secondsToFrameScale(sourceFPS)-1, framesToExtract)

	g, gctx := errgroup.WithContext(in.Ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, idx := range indices {
		idx := idx
		g.Go(func() error {
			return a.extractOne(gctx, importOut.FilePath, framesDir, idx, sourceFPS)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("frame_extraction: extraction: %w", err)
	}

	out := Output{
		AdaptiveFPS:     adaptiveFPS,
		FramesExtracted: len(indices),
		Steps:           step,
		FramesDir:       framesDir,
		Duration:        duration,
		SourceFPS:       sourceFPS,
	}
	return adapterutil.EncodeOutput(out)
}

// secondsToFrameScale converts a duration in seconds to an upper bound on
// frame count at the source fps, falling back to treating the index
// space as seconds when the source fps couldn't be determined.
func secondsToFrameScale(sourceFPS float64) float64 {
	if sourceFPS <= 0 {
		return 1
	}
	return sourceFPS
}

func (a *adapter) extractOne(ctx context.Context, srcPath, framesDir string, frameIdx int, sourceFPS float64) error {
	ts := float64(frameIdx)
	if sourceFPS > 0 {
		ts = float64(frameIdx) / sourceFPS
	}
	dst := fmt.Sprintf("%s/frame_%d.jpg", framesDir, frameIdx)

	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-y",
		"-ss", fmt.Sprintf("%.3f", ts),
		"-i", srcPath,
		"-frames:v", "1",
		"-q:v", "2",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("frame %d at %.3fs: %w (stderr: %s)", frameIdx, ts, err, firstLine(stderr.String()))
	}
	return nil
}

func (a *adapter) probe(ctx context.Context, path string) (duration float64, fps float64, err error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		return 0, 0, fmt.Errorf("ffprobe: %w (stderr: %s)", runErr, firstLine(stderr.String()))
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType   string `json:"codec_type"`
			RFrameRate  string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}
	if jsonErr := json.Unmarshal(stdout.Bytes(), &probe); jsonErr != nil {
		return 0, 0, fmt.Errorf("parse ffprobe json: %w", jsonErr)
	}

	duration, _ = strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		fps = parseFrameRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseFrameRate(s.RFrameRate)
		}
		break
	}
	return duration, fps, nil
}

func parseFrameRate(raw string) float64 {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	num, errN := strconv.ParseFloat(parts[0], 64)
	den, errD := strconv.ParseFloat(parts[1], 64)
	if errN != nil || errD != nil || den == 0 {
		return 0
	}
	return num / den
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
