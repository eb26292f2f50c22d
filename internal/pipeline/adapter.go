package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// JobInfo is the slice of job identity an adapter needs: the business key,
// the surrogate id used to key every State Store row, and the intake-time
// metadata (ydx_server, ydx_app_host, optional trim times) a handful of
// adapters (import_video, upload_to_ydx) need but which isn't itself a
// prior stage's ModuleOutput.
type JobInfo struct {
	JobID    uuid.UUID
	VideoID  string
	AIUserID string
	Metadata datatypes.JSON
}

// AdapterInput is everything a Stage Adapter is given to do its work: the
// job identity, every upstream stage's persisted output (read-only, keyed
// by stage name), a scratch directory for large intermediates that don't
// belong in Postgres, and the Service Pool for calling GPU-backed
// inference services.
type AdapterInput struct {
	Ctx     context.Context
	Job     JobInfo
	Outputs map[StageName]json.RawMessage
	Scratch ScratchDir
	Pool    *servicepool.Pool
	Log     *logger.Logger
}

// Output returns the raw JSON a prior stage produced, or false if that
// stage hasn't produced output yet (the Stage Runner refuses to start a
// stage whose declared dependencies are missing this, so adapters can
// treat a false here as a programming error, not a retryable condition).
func (in AdapterInput) Output(name StageName) (json.RawMessage, bool) {
	raw, ok := in.Outputs[name]
	return raw, ok
}

// Adapter implements one pipeline stage. Run must be idempotent enough to
// be safely retried: the Stage Runner calls it at most once per attempt,
// but a process crash between a successful Run and the commit that marks
// the stage done will cause Run to be invoked again on resume.
type Adapter interface {
	Run(in AdapterInput) (json.RawMessage, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(in AdapterInput) (json.RawMessage, error)

func (f AdapterFunc) Run(in AdapterInput) (json.RawMessage, error) { return f(in) }
