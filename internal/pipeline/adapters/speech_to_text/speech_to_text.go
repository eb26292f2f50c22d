// Package speechtotext implements the speech_to_text stage: transcribe
// the extracted FLAC track via Cloud Speech-to-Text and derive dialogue
// timing windows for upload_to_ydx.
package speechtotext

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	extractaudio "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/extract_audio"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"
)

// pauseGapSeconds is the silence gap between consecutive words that
// splits the transcript into separate dialogue segments.
const pauseGapSeconds = 1.0

// DialogueTimestamp is one spoken segment's timing window, the shape
// upload_to_ydx's dialogue_timestamps array carries verbatim.
type DialogueTimestamp struct {
	SequenceNum int     `json:"sequence_num"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Duration    float64 `json:"duration"`
}

// Output is the transcript, word-level timings, and derived dialogue
// segment windows this stage persists.
type Output struct {
	Transcript         string              `json:"transcript"`
	Words              []gcp.SpeechWord    `json:"words"`
	DialogueTimestamps []DialogueTimestamp `json:"dialogue_timestamps"`
}

func New(speech gcp.Speech, bucket gcp.BucketService, log *logger.Logger) pipeline.Adapter {
	a := &adapter{
		speech:       speech,
		bucket:       bucket,
		log:          log.With("stage", "speech_to_text"),
		languageCode: utils.GetEnv("SPEECH_LANGUAGE_CODE", "en-US", log),
	}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	speech       gcp.Speech
	bucket       gcp.BucketService
	log          *logger.Logger
	languageCode string
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawAudio, ok := in.Output(pipeline.StageExtractAudio)
	if !ok {
		return nil, adapterutil.Fatal("speech_to_text: missing extract_audio output")
	}
	audioOut, err := adapterutil.DecodeOutput[extractaudio.Output](rawAudio)
	if err != nil {
		return nil, adapterutil.Fatal("speech_to_text: %v", err)
	}

	f, err := os.Open(audioOut.FilePath)
	if err != nil {
		return nil, adapterutil.Fatal("speech_to_text: open audio: %v", err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(in.Job.VideoID, in.Job.AIUserID, "audio.flac"))
	dc := dbctx.Context{Ctx: in.Ctx}
	if err := a.bucket.UploadFile(dc, gcp.BucketCategoryArtifact, key, f); err != nil {
		return nil, fmt.Errorf("speech_to_text: upload flac to gcs: %w", err)
	}
	defer func() {
		if derr := a.bucket.DeleteFile(dc, gcp.BucketCategoryArtifact, key); derr != nil {
			a.log.Warn("failed to delete staged audio blob", "key", key, "error", derr)
		}
	}()

	gcsURI, err := a.bucket.GCSURI(gcp.BucketCategoryArtifact, key)
	if err != nil {
		return nil, fmt.Errorf("speech_to_text: gcs uri: %w", err)
	}

	cfg := gcp.SpeechConfig{
		LanguageCode:               a.languageCode,
		EnableAutomaticPunctuation: true,
		SampleRateHertz:            audioOut.SampleRateHertz,
		AudioChannelCount:          audioOut.Channels,
	}

	result, err := a.speech.TranscribeAudioGCS(in.Ctx, gcsURI, cfg)
	if err != nil {
		return nil, fmt.Errorf("speech_to_text: transcribe: %w", err)
	}

	out := Output{
		Transcript:         result.PrimaryText,
		Words:              result.Words,
		DialogueTimestamps: groupIntoDialogue(result.Words),
	}
	return adapterutil.EncodeOutput(out)
}

// groupIntoDialogue collapses consecutive words into dialogue segments,
// starting a new segment whenever the silence gap since the previous
// word's end exceeds pauseGapSeconds.
func groupIntoDialogue(words []gcp.SpeechWord) []DialogueTimestamp {
	if len(words) == 0 {
		return nil
	}
	var out []DialogueTimestamp
	segStart := words[0].StartSec
	segEnd := words[0].EndSec
	for i := 1; i < len(words); i++ {
		w := words[i]
		if w.StartSec-segEnd > pauseGapSeconds {
			out = append(out, DialogueTimestamp{
				SequenceNum: len(out) + 1,
				StartTime:   segStart,
				EndTime:     segEnd,
				Duration:    segEnd - segStart,
			})
			segStart = w.StartSec
		}
		segEnd = w.EndSec
	}
	out = append(out, DialogueTimestamp{
		SequenceNum: len(out) + 1,
		StartTime:   segStart,
		EndTime:     segEnd,
		Duration:    segEnd - segStart,
	})
	return out
}
