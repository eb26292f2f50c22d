// Package captionrating implements the caption_rating stage: score every
// generated caption against its source image and drop anything below the
// retention threshold before scene_segmentation groups what's left.
package captionrating

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	imagecaptioning "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/image_captioning"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
	"github.com/yungbote/neurobridge-backend/internal/pkg/httpx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentRatings bounds how many rating requests run at once, mirroring
// the source pipeline's fixed-size worker pool for this stage.
const maxConcurrentRatings = 10

// RatedCaption is one caption plus the rating score it was kept on.
type RatedCaption struct {
	FrameIndex int     `json:"frame_index"`
	TimeSec    float64 `json:"time_sec"`
	Text       string  `json:"text"`
	ImageURL   string  `json:"image_url"`
	Score      float64 `json:"score"`
}

// Output is every caption that survived rating.
type Output struct {
	RatedCaptions []RatedCaption `json:"rated_captions"`
}

func New(pool *servicepool.Pool, log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		pool:      pool,
		log:       log.With("stage", "caption_rating"),
		threshold: utils.GetEnvAsFloat("CAPTION_RATING_THRESHOLD", 0.5, log),
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	pool      *servicepool.Pool
	log       *logger.Logger
	threshold float64
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawCaptions, ok := in.Output(pipeline.StageImageCaptioning)
	if !ok {
		return nil, adapterutil.Fatal("caption_rating: missing image_captioning output")
	}
	capOut, err := adapterutil.DecodeOutput[imagecaptioning.Output](rawCaptions)
	if err != nil {
		return nil, adapterutil.Fatal("caption_rating: %v", err)
	}
	if len(capOut.Captions) == 0 {
		return adapterutil.EncodeOutput(Output{})
	}

	token := in.Job.VideoID + "_" + in.Job.AIUserID

	rated := make([]*RatedCaption, len(capOut.Captions))
	g, gctx := errgroup.WithContext(in.Ctx)
	g.SetLimit(maxConcurrentRatings)

	for i, c := range capOut.Captions {
		i, c := i, c
		g.Go(func() error {
			score, err := a.rateOne(gctx, token, c)
			if err != nil {
				return err
			}
			if score < a.threshold {
				return nil
			}
			rated[i] = &RatedCaption{
				FrameIndex: c.FrameIndex,
				TimeSec:    c.TimeSec,
				Text:       c.Text,
				ImageURL:   c.ImageURL,
				Score:      score,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]RatedCaption, 0, len(rated))
	for _, r := range rated {
		if r != nil {
			out = append(out, *r)
		}
	}

	return adapterutil.EncodeOutput(Output{RatedCaptions: out})
}

func (a *adapter) rateOne(ctx context.Context, token string, c imagecaptioning.Caption) (float64, error) {
	lease, err := a.pool.Acquire(ctx, servicepool.ServiceRating)
	if err != nil {
		return 0, fmt.Errorf("caption_rating: acquire rating slot: %w", err)
	}
	defer lease.Release()

	baseURL, _ := a.pool.BaseURL(servicepool.ServiceRating)
	client, _ := a.pool.Client(servicepool.ServiceRating)

	form := url.Values{}
	form.Set("token", token)
	form.Set("img_url", c.ImageURL)
	form.Set("caption", c.Text)

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/api", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, adapterutil.Fatal("caption_rating: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("caption_rating: rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return 0, fmt.Errorf("caption_rating: rating service returned %d", resp.StatusCode)
		}
		return 0, adapterutil.Fatal("caption_rating: rating service returned non-retryable status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("caption_rating: read response: %w", err)
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
	if err != nil {
		return 0, adapterutil.Fatal("caption_rating: non-numeric rating response %q", strings.TrimSpace(string(body)))
	}
	return score, nil
}
