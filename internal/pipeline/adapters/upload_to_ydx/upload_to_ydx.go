// Package uploadtoydx implements the upload_to_ydx stage: compose every
// track this pipeline produced into the artifact YDX expects and deliver
// it, plus the follow-up link-generation call, to the subscribing YDX
// deployment.
package uploadtoydx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"
	importvideo "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/import_video"
	ocrextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/ocr_extraction"
	speechtotext "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/speech_to_text"
	textsummarization "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/text_summarization"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/httpx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// ydxPreRollShiftSeconds is added to every non-dialogue clip's start time
// before it is sent to YDX, named and unconditional rather than derived
// from any per-clip signal.
const ydxPreRollShiftSeconds = 1.0

// ocrMergeGapSeconds is the maximum gap between two on-screen-text rows
// before they stop being treated as a continuation of the same clip.
const ocrMergeGapSeconds = 5.0

// AudioClip is one non-dialogue entry in the composed artifact.
type AudioClip struct {
	StartTime float64 `json:"start_time"`
	Text      string  `json:"text"`
	Type      string  `json:"type"`
}

type newDescriptionRequest struct {
	YoutubeID          string                            `json:"youtube_id"`
	AudioClips         []AudioClip                       `json:"audio_clips"`
	VideoLength        float64                           `json:"video_length"`
	VideoName          string                            `json:"video_name"`
	DialogueTimestamps []speechtotext.DialogueTimestamp `json:"dialogue_timestamps"`
	AIUserID           string                            `json:"aiUserId"`
}

type generateLinkRequest struct {
	UserID         string `json:"userId"`
	YoutubeVideoID string `json:"youtubeVideoId"`
	YDXAppHost     string `json:"ydx_app_host"`
	AIUserID       string `json:"aiUserId"`
}

// Output records what was delivered.
type Output struct {
	Delivered      bool `json:"delivered"`
	AudioClipCount int  `json:"audio_clip_count"`
}

func New(log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		log:    log.With("stage", "upload_to_ydx"),
		client: adapterutil.NewHTTPClient(4, 30*time.Second),
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	log    *logger.Logger
	client *http.Client
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	jm := adapterutil.ParseJobMetadata(in.Job.Metadata)
	if jm.YDXServer == "" {
		return nil, adapterutil.Fatal("upload_to_ydx: job metadata has no ydx_server")
	}

	rawVideo, ok := in.Output(pipeline.StageImportVideo)
	if !ok {
		return nil, adapterutil.Fatal("upload_to_ydx: missing import_video output")
	}
	videoOut, err := adapterutil.DecodeOutput[importvideo.Output](rawVideo)
	if err != nil {
		return nil, adapterutil.Fatal("upload_to_ydx: %v", err)
	}

	rawFrames, ok := in.Output(pipeline.StageFrameExtraction)
	if !ok {
		return nil, adapterutil.Fatal("upload_to_ydx: missing frame_extraction output")
	}
	frameOut, err := adapterutil.DecodeOutput[frameextraction.Output](rawFrames)
	if err != nil {
		return nil, adapterutil.Fatal("upload_to_ydx: %v", err)
	}

	rawSpeech, ok := in.Output(pipeline.StageSpeechToText)
	if !ok {
		return nil, adapterutil.Fatal("upload_to_ydx: missing speech_to_text output")
	}
	speechOut, err := adapterutil.DecodeOutput[speechtotext.Output](rawSpeech)
	if err != nil {
		return nil, adapterutil.Fatal("upload_to_ydx: %v", err)
	}

	rawSummary, ok := in.Output(pipeline.StageTextSummarization)
	if !ok {
		return nil, adapterutil.Fatal("upload_to_ydx: missing text_summarization output")
	}
	summaryOut, err := adapterutil.DecodeOutput[textsummarization.Output](rawSummary)
	if err != nil {
		return nil, adapterutil.Fatal("upload_to_ydx: %v", err)
	}

	rawOCR, ok := in.Output(pipeline.StageOCRExtraction)
	if !ok {
		return nil, adapterutil.Fatal("upload_to_ydx: missing ocr_extraction output")
	}
	ocrOut, err := adapterutil.DecodeOutput[ocrextraction.Output](rawOCR)
	if err != nil {
		return nil, adapterutil.Fatal("upload_to_ydx: %v", err)
	}

	clips := composeAudioClips(summaryOut.Summarized, ocrOut.FilteredOCR)

	body := newDescriptionRequest{
		YoutubeID:          in.Job.VideoID,
		AudioClips:         clips,
		VideoLength:        frameOut.Duration,
		VideoName:          videoOut.Title,
		DialogueTimestamps: speechOut.DialogueTimestamps,
		AIUserID:           in.Job.AIUserID,
	}
	if err := a.postJSON(in.Ctx, jm.YDXServer+"/api/audio-descriptions/newaidescription/", body); err != nil {
		return nil, err
	}

	linkBody := generateLinkRequest{
		UserID:         jm.UserID,
		YoutubeVideoID: in.Job.VideoID,
		YDXAppHost:     jm.YDXAppHost,
		AIUserID:       in.Job.AIUserID,
	}
	if err := a.postJSON(in.Ctx, jm.YDXServer+"/api/create-user-links/generate-audio-desc-gpu", linkBody); err != nil {
		return nil, err
	}

	return adapterutil.EncodeOutput(Output{Delivered: true, AudioClipCount: len(clips)})
}

// composeAudioClips builds the non-dialogue timeline: one clip per
// summarized sentence tagged "Visual", plus the on-screen-text track
// tagged "Text on Screen" after merging continuation rows and adjacent
// clips within ocrMergeGapSeconds of each other. Every clip's start time
// is shifted by ydxPreRollShiftSeconds before the list is sorted.
func composeAudioClips(summaries []textsummarization.Summary, ocrLines []ocrextraction.OCRLine) []AudioClip {
	clips := make([]AudioClip, 0, len(summaries)+len(ocrLines))
	for _, s := range summaries {
		clips = append(clips, AudioClip{
			StartTime: s.StartSec + ydxPreRollShiftSeconds,
			Text:      s.Text,
			Type:      "Visual",
		})
	}

	for _, merged := range mergeOCRLines(ocrLines) {
		clips = append(clips, AudioClip{
			StartTime: merged.start + ydxPreRollShiftSeconds,
			Text:      merged.text,
			Type:      "Text on Screen",
		})
	}

	sort.SliceStable(clips, func(i, j int) bool { return clips[i].StartTime < clips[j].StartTime })
	return clips
}

type mergedOCRClip struct {
	start float64
	text  string
}

// mergeOCRLines sorts filtered OCR rows by time and folds consecutive
// rows within ocrMergeGapSeconds of each other into a single clip,
// mirroring the continuation-row handling of the original CSV pipeline.
func mergeOCRLines(lines []ocrextraction.OCRLine) []mergedOCRClip {
	if len(lines) == 0 {
		return nil
	}
	sorted := append([]ocrextraction.OCRLine(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimeSec < sorted[j].TimeSec })

	var out []mergedOCRClip
	cur := mergedOCRClip{start: sorted[0].TimeSec, text: sorted[0].Text}
	lastTime := sorted[0].TimeSec

	for i := 1; i < len(sorted); i++ {
		row := sorted[i]
		if row.TimeSec-lastTime <= ocrMergeGapSeconds {
			if row.Text != cur.text {
				cur.text = cur.text + " " + row.Text
			}
		} else {
			out = append(out, cur)
			cur = mergedOCRClip{start: row.TimeSec, text: row.Text}
		}
		lastTime = row.TimeSec
	}
	out = append(out, cur)
	return out
}

func (a *adapter) postJSON(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return adapterutil.Fatal("upload_to_ydx: marshal request: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return adapterutil.Fatal("upload_to_ydx: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload_to_ydx: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return fmt.Errorf("upload_to_ydx: %s returned %d", url, resp.StatusCode)
		}
		return adapterutil.Fatal("upload_to_ydx: %s returned non-retryable status %d", url, resp.StatusCode)
	}
	return nil
}
