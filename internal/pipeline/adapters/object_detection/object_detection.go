// Package objectdetection implements the object_detection stage: batch
// sampled frames to the detect inference service and collate per-label
// per-frame confidences for keyframe_selection and scene_segmentation.
package objectdetection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
	"github.com/yungbote/neurobridge-backend/internal/pkg/httpx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"
)

// batchSize is the number of frame paths sent per detect request.
const batchSize = 100

// Detection is one label observation on one frame.
type Detection struct {
	FrameIndex int     `json:"frame_index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Output is the full per-frame, per-label detection table.
type Output struct {
	Detections []Detection `json:"detections"`
}

type detectRequest struct {
	FilesPath []string `json:"files_path"`
	Threshold float64  `json:"threshold"`
}

type detectResponse struct {
	Results []struct {
		FrameNumber int `json:"frame_number"`
		Confidences []struct {
			Name       string  `json:"name"`
			Confidence float64 `json:"confidence"`
		} `json:"confidences"`
	} `json:"results"`
}

func New(pool *servicepool.Pool, log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		pool:      pool,
		log:       log.With("stage", "object_detection"),
		threshold: utils.GetEnvAsFloat("DETECTION_THRESHOLD", 0.5, log),
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	pool      *servicepool.Pool
	log       *logger.Logger
	threshold float64
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawFrames, ok := in.Output(pipeline.StageFrameExtraction)
	if !ok {
		return nil, adapterutil.Fatal("object_detection: missing frame_extraction output")
	}
	frameOut, err := adapterutil.DecodeOutput[frameextraction.Output](rawFrames)
	if err != nil {
		return nil, adapterutil.Fatal("object_detection: %v", err)
	}

	files, err := adapterutil.ListFrameFiles(frameOut.FramesDir)
	if err != nil {
		return nil, fmt.Errorf("object_detection: list frames: %w", err)
	}

	var detections []Detection
	for start := 0; start < len(files); start += batchSize {
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		batchDetections, err := a.detectBatch(in.Ctx, batch)
		if err != nil {
			return nil, err
		}
		detections = append(detections, batchDetections...)
	}

	return adapterutil.EncodeOutput(Output{Detections: detections})
}

func (a *adapter) detectBatch(ctx context.Context, batch []adapterutil.FrameFile) ([]Detection, error) {
	lease, err := a.pool.Acquire(ctx, servicepool.ServiceDetect)
	if err != nil {
		return nil, fmt.Errorf("object_detection: acquire detect slot: %w", err)
	}
	defer lease.Release()

	baseURL, _ := a.pool.BaseURL(servicepool.ServiceDetect)
	client, _ := a.pool.Client(servicepool.ServiceDetect)

	paths := make([]string, len(batch))
	for i, f := range batch {
		paths[i] = f.Path
	}

	body, err := json.Marshal(detectRequest{FilesPath: paths, Threshold: a.threshold})
	if err != nil {
		return nil, fmt.Errorf("object_detection: marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/detect_multiple_files", bytes.NewReader(body))
	if err != nil {
		return nil, adapterutil.Fatal("object_detection: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("object_detection: detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("object_detection: detect service returned %d", resp.StatusCode)
		}
		return nil, adapterutil.Fatal("object_detection: detect service returned non-retryable status %d", resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("object_detection: decode response: %w", err)
	}

	out := make([]Detection, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		// frame_number is the detect service's position within this
		// batch's files_path list, not a real frame index; remap it back
		// through the batch to the frame's actual sampled index.
		if r.FrameNumber < 0 || r.FrameNumber >= len(batch) {
			a.log.Warn("object_detection: frame_number out of batch range", "frame_number", r.FrameNumber, "batch_size", len(batch))
			continue
		}
		frameIndex := batch[r.FrameNumber].Index
		for _, c := range r.Confidences {
			out = append(out, Detection{FrameIndex: frameIndex, Label: c.Name, Confidence: c.Confidence})
		}
	}
	return out, nil
}
