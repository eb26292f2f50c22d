// Package keyframeselection implements the keyframe_selection stage:
// pick a sparse set of visually-significant frames from the sampled
// frame/detection tables for image_captioning to describe.
package keyframeselection

import (
	"encoding/json"
	"fmt"

	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"
	objectdetection "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/object_detection"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Keyframe is one selected frame: its index, derived timestamp, and the
// detection-confidence value that won it the window it was chosen from.
type Keyframe struct {
	FrameIndex int     `json:"frame_index"`
	TimeSec    float64 `json:"time_sec"`
	Value      float64 `json:"value"`
}

// Output is the ordered list of selected keyframes.
type Output struct {
	Keyframes []Keyframe `json:"keyframes"`
}

func New(log *logger.Logger) pipeline.Adapter {
	a := &adapter{log: log.With("stage", "keyframe_selection")}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	log *logger.Logger
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawFrames, ok := in.Output(pipeline.StageFrameExtraction)
	if !ok {
		return nil, adapterutil.Fatal("keyframe_selection: missing frame_extraction output")
	}
	frameOut, err := adapterutil.DecodeOutput[frameextraction.Output](rawFrames)
	if err != nil {
		return nil, adapterutil.Fatal("keyframe_selection: %v", err)
	}

	rawDetections, ok := in.Output(pipeline.StageObjectDetection)
	if !ok {
		return nil, adapterutil.Fatal("keyframe_selection: missing object_detection output")
	}
	detectOut, err := adapterutil.DecodeOutput[objectdetection.Output](rawDetections)
	if err != nil {
		return nil, adapterutil.Fatal("keyframe_selection: %v", err)
	}

	files, err := adapterutil.ListFrameFiles(frameOut.FramesDir)
	if err != nil {
		return nil, fmt.Errorf("keyframe_selection: list frames: %w", err)
	}
	if len(files) == 0 {
		return adapterutil.EncodeOutput(Output{})
	}

	valueByFrame := make(map[int]float64, len(files))
	for _, d := range detectOut.Detections {
		valueByFrame[d.FrameIndex] += d.Confidence * d.Confidence
	}

	step := frameOut.Steps
	if step < 1 {
		step = 1
	}
	framesPerTargetPeriod := step
	gapLimit := 2 * framesPerTargetPeriod

	keyframes := []Keyframe{{
		FrameIndex: files[0].Index,
		TimeSec:    adapterutil.FrameTimeSeconds(files[0].Index, frameOut.SourceFPS),
		Value:      valueByFrame[files[0].Index],
	}}
	lastKeyframeIdx := files[0].Index

	var pending []adapterutil.FrameFile
	flush := func() {
		if len(pending) == 0 {
			return
		}
		width := float64(pending[len(pending)-1].Index - lastKeyframeIdx)
		best := pending[0]
		bestWeighted := -1.0
		if width <= 0 {
			best = pending[len(pending)-1]
		} else {
			for _, cand := range pending {
				rel := float64(cand.Index - lastKeyframeIdx)
				coeff := -4/(width*width)*rel*rel + (4/width)*rel
				weighted := coeff * valueByFrame[cand.Index]
				if weighted > bestWeighted {
					bestWeighted = weighted
					best = cand
				}
			}
		}
		keyframes = append(keyframes, Keyframe{
			FrameIndex: best.Index,
			TimeSec:    adapterutil.FrameTimeSeconds(best.Index, frameOut.SourceFPS),
			Value:      valueByFrame[best.Index],
		})
		lastKeyframeIdx = best.Index
		pending = nil
	}

	for i := 1; i < len(files); i++ {
		f := files[i]
		pending = append(pending, f)
		isLast := i == len(files)-1
		if f.Index-lastKeyframeIdx > gapLimit || isLast {
			flush()
		}
	}

	return adapterutil.EncodeOutput(Output{Keyframes: keyframes})
}
