package app

import (
	captionrating "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/caption_rating"
	extractaudio "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/extract_audio"
	framextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"
	imagecaptioning "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/image_captioning"
	importvideo "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/import_video"
	keyframeselection "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/keyframe_selection"
	objectdetection "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/object_detection"
	ocrextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/ocr_extraction"
	scenesegmentation "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/scene_segmentation"
	speechtotext "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/speech_to_text"
	textsummarization "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/text_summarization"
	uploadtoydx "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/upload_to_ydx"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// wireRegistry attaches a concrete adapter to every one of the twelve
// fixed stages and builds the Stage Registry. This is the one place that
// names every stage adapter; NewRegistry panics at boot if any is
// missing or the dependency table is malformed.
func wireRegistry(clients Clients, log *logger.Logger) *pipeline.Registry {
	adapters := map[pipeline.StageName]pipeline.Adapter{
		pipeline.StageImportVideo:       importvideo.New(clients.Bucket, log),
		pipeline.StageExtractAudio:      extractaudio.New(log),
		pipeline.StageSpeechToText:      speechtotext.New(clients.Speech, clients.Bucket, log),
		pipeline.StageFrameExtraction:   framextraction.New(log),
		pipeline.StageOCRExtraction:     ocrextraction.New(clients.Vision, log),
		pipeline.StageObjectDetection:   objectdetection.New(clients.Pool, log),
		pipeline.StageKeyframeSelection: keyframeselection.New(log),
		pipeline.StageImageCaptioning:   imagecaptioning.New(clients.Pool, clients.Bucket, log),
		pipeline.StageCaptionRating:     captionrating.New(clients.Pool, log),
		pipeline.StageSceneSegmentation: scenesegmentation.New(log),
		pipeline.StageTextSummarization: textsummarization.New(log),
		pipeline.StageUploadToYDX:       uploadtoydx.New(log),
	}
	return pipeline.NewRegistry(adapters)
}
