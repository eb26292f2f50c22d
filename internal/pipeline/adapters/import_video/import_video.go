// Package importvideo implements the import_video stage: resolve a
// video_id to a local source file plus its normalized metadata.
package importvideo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"
)

// Output is the normalized metadata.json-equivalent this stage emits,
// lowercase-keyed regardless of which downloader backend produced the
// raw fields: duration in seconds, display title, and the local scratch
// path downstream stages read the video bytes from.
type Output struct {
	Duration float64 `json:"duration"`
	Title    string  `json:"title"`
	FilePath string  `json:"file_path"`
}

// unavailableMarkers are the downloader's stderr substrings that mean a
// video will never become available on retry.
var unavailableMarkers = []string{
	"video unavailable",
	"this video is no longer available",
	"private video",
	"video has been removed",
	"account associated with this video has been terminated",
}

// New builds the import_video adapter. bucket is optional (nil disables
// the best-effort durability upload of the source file).
func New(bucket gcp.BucketService, log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		bucket:     bucket,
		log:        log.With("stage", "import_video"),
		ytDLPPath:  utils.GetEnv("YT_DLP_PATH", "yt-dlp", log),
		ffmpegPath: utils.GetEnv("FFMPEG_PATH", "ffmpeg", log),
		timeout:    time.Duration(utils.GetEnvAsInt("IMPORT_VIDEO_TIMEOUT_SECONDS", 600, log)) * time.Second,
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	bucket     gcp.BucketService
	log        *logger.Logger
	ytDLPPath  string
	ffmpegPath string
	timeout    time.Duration
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	if err := in.Scratch.Ensure(); err != nil {
		return nil, fmt.Errorf("import_video: scratch dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(in.Ctx, a.timeout)
	defer cancel()

	outTemplate := in.Scratch.Path("source.%(ext)s")
	videoURL := "https://www.youtube.com/watch?v=" + in.Job.VideoID

	cmd := exec.CommandContext(ctx, a.ytDLPPath,
		"--no-playlist",
		"--no-progress",
		"-f", "bv*+ba/b",
		"--merge-output-format", "mp4",
		"-o", outTemplate,
		"--print-json",
		videoURL,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	combined := strings.ToLower(stdout.String() + "\n" + stderr.String())
	if runErr != nil {
		for _, marker := range unavailableMarkers {
			if strings.Contains(combined, marker) {
				return nil, adapterutil.Fatal("import_video: video %s unavailable", in.Job.VideoID)
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("import_video: download timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("import_video: yt-dlp failed: %w (stderr: %s)", runErr, firstLine(stderr.String()))
	}

	meta, err := lastJSONObject(stdout.Bytes())
	if err != nil {
		return nil, adapterutil.Fatal("import_video: could not parse downloader metadata for %s", in.Job.VideoID)
	}

	duration := asFloat(meta["duration"])
	title := asString(meta["title"])

	downloadedPath, err := resolveDownloadedPath(in.Scratch.Path(""), meta)
	if err != nil {
		return nil, adapterutil.Fatal("import_video: downloaded file not found for %s: %v", in.Job.VideoID, err)
	}

	finalPath := downloadedPath
	jm := adapterutil.ParseJobMetadata(json.RawMessage(in.Job.Metadata))
	if jm.VideoStartTime != nil || jm.VideoEndTime != nil {
		trimmed := in.Scratch.Path("source_trimmed.mp4")
		if err := a.trim(ctx, downloadedPath, trimmed, jm); err != nil {
			return nil, fmt.Errorf("import_video: trim: %w", err)
		}
		finalPath = trimmed
		if jm.VideoStartTime != nil && jm.VideoEndTime != nil {
			duration = *jm.VideoEndTime - *jm.VideoStartTime
		}
	}

	if a.bucket != nil {
		a.uploadBestEffort(in, finalPath)
	}

	out := Output{Duration: duration, Title: title, FilePath: finalPath}
	return adapterutil.EncodeOutput(out)
}

func (a *adapter) trim(ctx context.Context, src, dst string, jm adapterutil.JobMetadata) error {
	start := 0.0
	if jm.VideoStartTime != nil {
		start = *jm.VideoStartTime
	}

	args := []string{"-y"}
	if start > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", start))
	}
	args = append(args, "-i", src)
	if jm.VideoEndTime != nil {
		dur := *jm.VideoEndTime - start
		if dur < 0 {
			dur = 0
		}
		args = append(args, "-t", fmt.Sprintf("%.3f", dur))
	}
	args = append(args, "-c", "copy", dst)

	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg trim failed: %w (stderr: %s)", err, firstLine(stderr.String()))
	}
	return nil
}

func (a *adapter) uploadBestEffort(in pipeline.AdapterInput, path string) {
	f, err := os.Open(path)
	if err != nil {
		a.log.Warn("could not open source file for durability upload", "error", err)
		return
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(in.Job.VideoID, in.Job.AIUserID, "source.mp4"))
	dc := dbctx.Context{Ctx: in.Ctx}
	if err := a.bucket.UploadFile(dc, gcp.BucketCategorySource, key, f); err != nil {
		a.log.Warn("source durability upload failed", "error", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// lastJSONObject parses the final JSON object in stdout. yt-dlp with
// --print-json emits one JSON object per requested video on its own line.
func lastJSONObject(stdout []byte) (map[string]any, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no JSON object found in downloader output")
}

// resolveDownloadedPath trusts the downloader's own "_filename"/
// "requested_downloads" fields when present, falling back to a glob for
// the merged output template's actual extension.
func resolveDownloadedPath(dir string, meta map[string]any) (string, error) {
	if fn := asString(meta["_filename"]); fn != "" {
		if _, err := os.Stat(fn); err == nil {
			return fn, nil
		}
	}
	if rd, ok := meta["requested_downloads"].([]any); ok {
		for _, item := range rd {
			im, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if fp := asString(im["filepath"]); fp != "" {
				if _, err := os.Stat(fp); err == nil {
					return fp, nil
				}
			}
		}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "source.*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no source.* file in %s", dir)
	}
	return matches[0], nil
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
