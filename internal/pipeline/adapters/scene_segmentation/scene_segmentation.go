// Package scenesegmentation implements the scene_segmentation stage: turn
// the per-frame detection table and rated captions into a small number of
// described time intervals for text_summarization to condense.
package scenesegmentation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	captionrating "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/caption_rating"
	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"
	objectdetection "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/object_detection"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

const (
	// similarityThreshold is the cosine-similarity floor below which two
	// frames are considered visually dissimilar enough to be candidate
	// scene boundary material.
	similarityThreshold = 0.5
	// minBoundaryGapSeconds enforces a minimum scene length: a candidate
	// boundary this close to the previous one is suppressed.
	minBoundaryGapSeconds = 10.0
	// nanRunSeconds is how long a contiguous run of feature-less ("skip")
	// frames must last before it forces a boundary on its own.
	nanRunSeconds = 10.0
	// maxFallbackScenes caps the quartile fallback used when no valid
	// boundary is found from the detection signal.
	maxFallbackScenes = 4
)

// Scene is one described time interval.
type Scene struct {
	StartSec    float64 `json:"start_s"`
	EndSec      float64 `json:"end_s"`
	Description string  `json:"description"`
}

// Output is the ordered list of scenes covering the video.
type Output struct {
	Scenes []Scene `json:"scenes"`
}

type frameSample struct {
	index   int
	timeSec float64
	vector  []float64
	skip    bool
}

func New(log *logger.Logger) pipeline.Adapter {
	a := &adapter{log: log.With("stage", "scene_segmentation")}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	log *logger.Logger
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawFrames, ok := in.Output(pipeline.StageFrameExtraction)
	if !ok {
		return nil, adapterutil.Fatal("scene_segmentation: missing frame_extraction output")
	}
	frameOut, err := adapterutil.DecodeOutput[frameextraction.Output](rawFrames)
	if err != nil {
		return nil, adapterutil.Fatal("scene_segmentation: %v", err)
	}

	rawDetections, ok := in.Output(pipeline.StageObjectDetection)
	if !ok {
		return nil, adapterutil.Fatal("scene_segmentation: missing object_detection output")
	}
	detectOut, err := adapterutil.DecodeOutput[objectdetection.Output](rawDetections)
	if err != nil {
		return nil, adapterutil.Fatal("scene_segmentation: %v", err)
	}

	rawCaptions, ok := in.Output(pipeline.StageCaptionRating)
	if !ok {
		return nil, adapterutil.Fatal("scene_segmentation: missing caption_rating output")
	}
	capOut, err := adapterutil.DecodeOutput[captionrating.Output](rawCaptions)
	if err != nil {
		return nil, adapterutil.Fatal("scene_segmentation: %v", err)
	}

	files, err := adapterutil.ListFrameFiles(frameOut.FramesDir)
	if err != nil {
		return nil, fmt.Errorf("scene_segmentation: list frames: %w", err)
	}

	if len(files) == 0 || len(capOut.RatedCaptions) == 0 {
		return adapterutil.EncodeOutput(fallbackScenes(frameOut.Duration, capOut.RatedCaptions))
	}

	samples := buildFeatureVectors(files, detectOut.Detections, frameOut.SourceFPS)
	boundaries := detectBoundaries(samples)
	if len(boundaries) == 0 {
		return adapterutil.EncodeOutput(fallbackScenes(frameOut.Duration, capOut.RatedCaptions))
	}

	scenes := assignCaptions(boundaries, capOut.RatedCaptions)
	if len(scenes) == 0 {
		return adapterutil.EncodeOutput(fallbackScenes(frameOut.Duration, capOut.RatedCaptions))
	}

	return adapterutil.EncodeOutput(Output{Scenes: scenes})
}

// buildFeatureVectors turns each sampled frame's detection confidences into
// a fixed-order vector over every label seen anywhere in the detection
// table. A frame with no detected label at all is marked skip: the
// pipeline has no separate "detector did not run" signal, so an
// all-zero vector is the closest available stand-in for a missing sample.
func buildFeatureVectors(files []adapterutil.FrameFile, detections []objectdetection.Detection, sourceFPS float64) []frameSample {
	labelIndex := make(map[string]int)
	for _, d := range detections {
		if _, ok := labelIndex[d.Label]; !ok {
			labelIndex[d.Label] = len(labelIndex)
		}
	}

	byFrame := make(map[int][]float64, len(files))
	for _, f := range files {
		byFrame[f.Index] = make([]float64, len(labelIndex))
	}
	for _, d := range detections {
		idx, ok := labelIndex[d.Label]
		if !ok {
			continue
		}
		vec, ok := byFrame[d.FrameIndex]
		if !ok {
			continue
		}
		if d.Confidence > vec[idx] {
			vec[idx] = d.Confidence
		}
	}

	samples := make([]frameSample, 0, len(files))
	for _, f := range files {
		vec := byFrame[f.Index]
		skip := true
		for _, v := range vec {
			if v > 0 {
				skip = false
				break
			}
		}
		samples = append(samples, frameSample{
			index:   f.Index,
			timeSec: adapterutil.FrameTimeSeconds(f.Index, sourceFPS),
			vector:  vec,
			skip:    skip,
		})
	}
	return samples
}

// detectBoundaries walks the frame samples in order, declaring a boundary
// when the neighbor similarity and the averaged lag-2 similarity both fall
// below threshold and enough time has passed since the last boundary, or
// when a run of skip samples has lasted nanRunSeconds on its own.
func detectBoundaries(samples []frameSample) []float64 {
	if len(samples) < 2 {
		return nil
	}

	var boundaries []float64
	lastBoundaryTime := samples[0].timeSec
	runStartTime := -1.0
	forcedThisRun := false

	for i := 0; i < len(samples); i++ {
		if samples[i].skip {
			if runStartTime < 0 {
				runStartTime = samples[i].timeSec
				forcedThisRun = false
			}
			if !forcedThisRun && samples[i].timeSec-runStartTime >= nanRunSeconds {
				boundaries = append(boundaries, samples[i].timeSec)
				lastBoundaryTime = samples[i].timeSec
				forcedThisRun = true
			}
			continue
		}
		runStartTime = -1

		if i+1 >= len(samples) {
			break
		}
		neighborSim := adapterutil.CosineSimilarity(samples[i].vector, samples[i+1].vector)
		if neighborSim >= similarityThreshold {
			continue
		}

		var lagSims []float64
		if i-2 >= 0 {
			lagSims = append(lagSims, adapterutil.CosineSimilarity(samples[i-2].vector, samples[i].vector))
		}
		if i+2 < len(samples) {
			lagSims = append(lagSims, adapterutil.CosineSimilarity(samples[i].vector, samples[i+2].vector))
		}
		if len(lagSims) == 0 {
			continue
		}
		var avg float64
		for _, s := range lagSims {
			avg += s
		}
		avg /= float64(len(lagSims))
		if avg >= similarityThreshold {
			continue
		}

		if samples[i].timeSec-lastBoundaryTime < minBoundaryGapSeconds {
			continue
		}

		boundaries = append(boundaries, samples[i].timeSec)
		lastBoundaryTime = samples[i].timeSec
	}
	return boundaries
}

// assignCaptions buckets every rated caption into the interval its
// timestamp falls in and concatenates the captions within each interval
// into that scene's description, dropping intervals nothing landed in.
func assignCaptions(boundaries []float64, rated []captionrating.RatedCaption) []Scene {
	sort.Float64s(boundaries)
	bounds := append([]float64{0}, boundaries...)

	sorted := append([]captionrating.RatedCaption(nil), rated...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimeSec < sorted[j].TimeSec })

	scenes := make([]Scene, 0, len(bounds))
	for i := 0; i < len(bounds); i++ {
		start := bounds[i]
		end := math.Inf(1)
		if i+1 < len(bounds) {
			end = bounds[i+1]
		} else if len(sorted) > 0 {
			end = sorted[len(sorted)-1].TimeSec + 1
		}

		var parts []string
		for _, c := range sorted {
			if c.TimeSec >= start && c.TimeSec < end {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) == 0 {
			continue
		}
		scenes = append(scenes, Scene{StartSec: start, EndSec: end, Description: strings.Join(parts, " ")})
	}
	return scenes
}

// fallbackScenes covers the original_source create_fallback_scene path:
// one scene per video-duration quartile, each described by the
// highest-rated unused caption landing in that quartile, capped at
// maxFallbackScenes.
func fallbackScenes(duration float64, rated []captionrating.RatedCaption) Output {
	if len(rated) == 0 {
		return Output{}
	}
	if duration <= 0 {
		max := rated[0].TimeSec
		for _, c := range rated {
			if c.TimeSec > max {
				max = c.TimeSec
			}
		}
		duration = max + 1
	}

	sorted := append([]captionrating.RatedCaption(nil), rated...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	quartile := duration / float64(maxFallbackScenes)
	used := make([]bool, len(sorted))
	scenes := make([]Scene, 0, maxFallbackScenes)

	for q := 0; q < maxFallbackScenes; q++ {
		start := float64(q) * quartile
		end := start + quartile
		if q == maxFallbackScenes-1 {
			end = duration
		}

		best := -1
		bestScore := -1.0
		for i, c := range sorted {
			if used[i] {
				continue
			}
			if c.TimeSec >= start && c.TimeSec < end && c.Score > bestScore {
				bestScore = c.Score
				best = i
			}
		}

		desc := ""
		if best >= 0 {
			used[best] = true
			desc = sorted[best].Text
		} else {
			for i, c := range sorted {
				if !used[i] {
					used[i] = true
					desc = c.Text
					break
				}
			}
		}
		if desc == "" {
			continue
		}
		scenes = append(scenes, Scene{StartSec: start, EndSec: end, Description: desc})
	}
	return Output{Scenes: scenes}
}
