// Package ocrextraction implements the ocr_extraction stage: run Vision
// OCR over every sampled frame, drop watermark text, and collapse
// near-duplicate lines into the on-screen-text track upload_to_ydx uses.
package ocrextraction

import (
	"encoding/json"
	"fmt"
	"os"

	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

const (
	// watermarkVertexTolerancepx groups two bounding boxes as "the same
	// on-screen position" when their corresponding vertices fall within
	// this many pixels of each other.
	watermarkVertexTolerancepx = 50.0
	// watermarkFrameFrequency is the fraction of frames a fixed-position
	// text block must appear in before it's classified as a watermark
	// rather than scene content that happens to repeat.
	watermarkFrameFrequency = 0.6
	// nearDuplicateThreshold is the normalized Levenshtein distance below
	// which two OCR lines are considered near-duplicates of each other.
	nearDuplicateThreshold = 0.15
	// maxSimilarLinesRetained caps how many near-duplicate copies of the
	// same on-screen line are kept; beyond this count further duplicates
	// are dropped as redundant rather than distinct screen text.
	maxSimilarLinesRetained = 3
)

// OCRLine is one retained on-screen text observation.
type OCRLine struct {
	FrameIndex int     `json:"frame_index"`
	TimeSec    float64 `json:"time_sec"`
	Text       string  `json:"text"`
}

// Output is the filtered on-screen-text track.
type Output struct {
	FilteredOCR       []OCRLine `json:"filtered_ocr"`
	WatermarkDetected bool      `json:"watermark_detected"`
}

type rawRow struct {
	frameIndex int
	text       string
	bucket     [2]int
}

func New(vision gcp.Vision, log *logger.Logger) pipeline.Adapter {
	a := &adapter{vision: vision, log: log.With("stage", "ocr_extraction")}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	vision gcp.Vision
	log    *logger.Logger
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawFrames, ok := in.Output(pipeline.StageFrameExtraction)
	if !ok {
		return nil, adapterutil.Fatal("ocr_extraction: missing frame_extraction output")
	}
	frameOut, err := adapterutil.DecodeOutput[frameextraction.Output](rawFrames)
	if err != nil {
		return nil, adapterutil.Fatal("ocr_extraction: %v", err)
	}

	files, err := adapterutil.ListFrameFiles(frameOut.FramesDir)
	if err != nil {
		return nil, fmt.Errorf("ocr_extraction: list frames: %w", err)
	}
	if len(files) == 0 {
		return adapterutil.EncodeOutput(Output{})
	}

	rows, err := a.runOCR(in, files)
	if err != nil {
		return nil, err
	}

	watermarkBuckets, watermarkFound := detectWatermarkBuckets(rows, len(files))
	filtered := make([]rawRow, 0, len(rows))
	for _, r := range rows {
		if _, isWatermark := watermarkBuckets[r.bucket]; isWatermark {
			continue
		}
		filtered = append(filtered, r)
	}

	kept := removeNearDuplicates(filtered)

	lines := make([]OCRLine, 0, len(kept))
	for _, r := range kept {
		lines = append(lines, OCRLine{
			FrameIndex: r.frameIndex,
			TimeSec:    adapterutil.FrameTimeSeconds(r.frameIndex, frameOut.SourceFPS),
			Text:       r.text,
		})
	}

	return adapterutil.EncodeOutput(Output{FilteredOCR: lines, WatermarkDetected: watermarkFound})
}

func (a *adapter) runOCR(in pipeline.AdapterInput, files []adapterutil.FrameFile) ([]rawRow, error) {
	rows := make([]rawRow, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("ocr_extraction: read frame %s: %w", f.Path, err)
		}
		result, err := a.vision.OCRImageBytes(in.Ctx, data, "image/jpeg")
		if err != nil {
			return nil, fmt.Errorf("ocr_extraction: vision ocr frame %d: %w", f.Index, err)
		}
		for _, page := range result.Pages {
			for _, block := range page.Blocks {
				text := block.Text
				if text == "" {
					continue
				}
				rows = append(rows, rawRow{
					frameIndex: f.Index,
					text:       text,
					bucket:     bucketFor(block.Bounding),
				})
			}
		}
	}
	return rows, nil
}

// bucketFor quantizes a block's first vertex into a grid cell sized to
// the watermark vertex tolerance, so two boxes within that tolerance of
// each other land in the same bucket regardless of sub-pixel jitter.
func bucketFor(bb *gcp.VisionBBox) [2]int {
	if bb == nil || len(bb.Vertices) == 0 {
		return [2]int{-1, -1}
	}
	x, y := bb.Vertices[0][0], bb.Vertices[0][1]
	return [2]int{int(x / watermarkVertexTolerancepx), int(y / watermarkVertexTolerancepx)}
}

// detectWatermarkBuckets finds every position bucket whose text recurs in
// more than watermarkFrameFrequency of all sampled frames (counting each
// frame once per bucket, since a watermark on one frame produces exactly
// one row per frame, not several).
func detectWatermarkBuckets(rows []rawRow, totalFrames int) (map[[2]int]struct{}, bool) {
	if totalFrames == 0 {
		return nil, false
	}
	framesPerBucket := make(map[[2]int]map[int]struct{})
	for _, r := range rows {
		if r.bucket == ([2]int{-1, -1}) {
			continue
		}
		seen, ok := framesPerBucket[r.bucket]
		if !ok {
			seen = make(map[int]struct{})
			framesPerBucket[r.bucket] = seen
		}
		seen[r.frameIndex] = struct{}{}
	}

	watermarks := make(map[[2]int]struct{})
	found := false
	for bucket, frames := range framesPerBucket {
		if float64(len(frames))/float64(totalFrames) > watermarkFrameFrequency {
			watermarks[bucket] = struct{}{}
			found = true
		}
	}
	return watermarks, found
}

// removeNearDuplicates keeps a row unless it is a near-duplicate (by
// normalized Levenshtein distance) of at least maxSimilarLinesRetained
// rows already kept, so the first few occurrences of repeated on-screen
// text survive but an endlessly repeated caption doesn't flood the
// output.
func removeNearDuplicates(rows []rawRow) []rawRow {
	kept := make([]rawRow, 0, len(rows))
	for _, r := range rows {
		similarCount := 0
		for _, k := range kept {
			if adapterutil.TextDifference(r.text, k.text) < nearDuplicateThreshold {
				similarCount++
			}
		}
		if similarCount < maxSimilarLinesRetained {
			kept = append(kept, r)
		}
	}
	return kept
}
