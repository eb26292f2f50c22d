// Package imagecaptioning implements the image_captioning stage: caption
// every selected keyframe through the single-flight captioning service.
package imagecaptioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"

	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"
	keyframeselection "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/keyframe_selection"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/httpx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// unkMarker is the caption service's sentinel for "could not generate a
// caption for this frame" — these responses are skipped outright.
const unkMarker = "<unk>"

// maxKeyframeDimensionPx bounds the longer edge of a keyframe before it is
// sent to the caption service or staged for durability: ffmpeg writes
// frames at source resolution, which is far more detail than captioning
// needs and slower to upload than a bounded copy.
const maxKeyframeDimensionPx = 768

// Caption is one keyframe's generated description plus a durable URL the
// rating service can fetch the same image from.
type Caption struct {
	FrameIndex int     `json:"frame_index"`
	TimeSec    float64 `json:"time_sec"`
	Text       string  `json:"text"`
	ImageURL   string  `json:"image_url"`
}

// Output is every keyframe that produced a usable caption.
type Output struct {
	Captions []Caption `json:"captions"`
}

type uploadResponse struct {
	Caption string `json:"caption"`
}

func New(pool *servicepool.Pool, bucket gcp.BucketService, log *logger.Logger) pipeline.Adapter {
	a := &adapter{pool: pool, bucket: bucket, log: log.With("stage", "image_captioning")}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	pool   *servicepool.Pool
	bucket gcp.BucketService
	log    *logger.Logger
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawFrames, ok := in.Output(pipeline.StageFrameExtraction)
	if !ok {
		return nil, adapterutil.Fatal("image_captioning: missing frame_extraction output")
	}
	frameOut, err := adapterutil.DecodeOutput[frameextraction.Output](rawFrames)
	if err != nil {
		return nil, adapterutil.Fatal("image_captioning: %v", err)
	}

	rawKeyframes, ok := in.Output(pipeline.StageKeyframeSelection)
	if !ok {
		return nil, adapterutil.Fatal("image_captioning: missing keyframe_selection output")
	}
	kfOut, err := adapterutil.DecodeOutput[keyframeselection.Output](rawKeyframes)
	if err != nil {
		return nil, adapterutil.Fatal("image_captioning: %v", err)
	}

	token := in.Job.VideoID + "_" + in.Job.AIUserID

	var captions []Caption
	for _, kf := range kfOut.Keyframes {
		path := filepath.Join(frameOut.FramesDir, fmt.Sprintf("frame_%d.jpg", kf.FrameIndex))
		raw, err := os.ReadFile(path)
		if err != nil {
			a.log.Warn("keyframe file missing, skipping", "frame_index", kf.FrameIndex, "error", err)
			continue
		}
		data, err := downscale(raw, maxKeyframeDimensionPx)
		if err != nil {
			a.log.Warn("keyframe downscale failed, using original", "frame_index", kf.FrameIndex, "error", err)
			data = raw
		}

		imageURL := ""
		if a.bucket != nil {
			imageURL = a.uploadBestEffort(in, kf.FrameIndex, data)
		}

		// State-machine: waiting -> acquired -> posting -> received ->
		// released. The lease is the "acquired" state; release fires on
		// every exit path via defer.
		text, err := a.captionOne(in.Ctx, token, data)
		if err != nil {
			return nil, err
		}
		if text == "" {
			continue
		}

		captions = append(captions, Caption{
			FrameIndex: kf.FrameIndex,
			TimeSec:    kf.TimeSec,
			Text:       text,
			ImageURL:   imageURL,
		})
	}

	return adapterutil.EncodeOutput(Output{Captions: captions})
}

func (a *adapter) captionOne(ctx context.Context, token string, imageBytes []byte) (string, error) {
	lease, err := a.pool.Acquire(ctx, servicepool.ServiceCaption)
	if err != nil {
		return "", fmt.Errorf("image_captioning: acquire caption slot: %w", err)
	}
	defer lease.Release()

	baseURL, _ := a.pool.BaseURL(servicepool.ServiceCaption)
	client, _ := a.pool.Client(servicepool.ServiceCaption)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	imgPart, err := writer.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return "", adapterutil.Fatal("image_captioning: build multipart: %v", err)
	}
	if _, err := io.Copy(imgPart, bytes.NewReader(imageBytes)); err != nil {
		return "", adapterutil.Fatal("image_captioning: write image part: %v", err)
	}
	if err := writer.WriteField("token", token); err != nil {
		return "", adapterutil.Fatal("image_captioning: write token field: %v", err)
	}
	if err := writer.Close(); err != nil {
		return "", adapterutil.Fatal("image_captioning: close multipart: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/upload", &body)
	if err != nil {
		return "", adapterutil.Fatal("image_captioning: build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image_captioning: caption request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", fmt.Errorf("image_captioning: caption service returned %d", resp.StatusCode)
		}
		return "", adapterutil.Fatal("image_captioning: caption service returned non-retryable status %d", resp.StatusCode)
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("image_captioning: decode response: %w", err)
	}

	if strings.Contains(strings.ToLower(parsed.Caption), unkMarker) {
		return "", nil
	}
	return parsed.Caption, nil
}

// downscale re-encodes an image to no more than maxDim pixels on its
// longer edge, leaving it untouched if it's already within bounds.
func downscale(data []byte, maxDim int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return data, nil
	}

	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	dstW := int(float64(w) * scale)
	dstH := int(float64(h) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out.Bytes(), nil
}

func (a *adapter) uploadBestEffort(in pipeline.AdapterInput, frameIndex int, data []byte) string {
	key := filepath.ToSlash(filepath.Join(in.Job.VideoID, in.Job.AIUserID, "keyframes", fmt.Sprintf("frame_%d.jpg", frameIndex)))
	dc := dbctx.Context{Ctx: in.Ctx}
	if err := a.bucket.UploadFile(dc, gcp.BucketCategoryArtifact, key, bytes.NewReader(data)); err != nil {
		a.log.Warn("keyframe durability upload failed", "error", err)
		return ""
	}
	return a.bucket.GetPublicURL(gcp.BucketCategoryArtifact, key)
}
