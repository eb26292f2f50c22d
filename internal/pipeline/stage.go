package pipeline

import (
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
)

// StageName identifies one of the twelve fixed stages a job passes
// through. Stage adapters are keyed by this type; the Stage Registry
// validates that DependsOn only ever references earlier-registered names.
type StageName string

const (
	StageImportVideo       StageName = "import_video"
	StageExtractAudio      StageName = "extract_audio"
	StageSpeechToText      StageName = "speech_to_text"
	StageFrameExtraction   StageName = "frame_extraction"
	StageOCRExtraction     StageName = "ocr_extraction"
	StageObjectDetection   StageName = "object_detection"
	StageKeyframeSelection StageName = "keyframe_selection"
	StageImageCaptioning   StageName = "image_captioning"
	StageCaptionRating     StageName = "caption_rating"
	StageSceneSegmentation StageName = "scene_segmentation"
	StageTextSummarization StageName = "text_summarization"
	StageUploadToYDX       StageName = "upload_to_ydx"
)

// Queue reports the Job Queue label for a stage: the caption queue for
// image_captioning, the general queue for everything else. The Stage
// Runner uses it only as the queue label on stage metrics; jobs are
// enqueued on the general queue as a whole, not stage by stage.
func (s StageName) Queue() dompipeline.QueueName {
	if s == StageImageCaptioning {
		return dompipeline.QueueCaption
	}
	return dompipeline.QueueGeneral
}
