package objectdetection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	frameextraction "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/frame_extraction"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

// writeFrame writes an empty file named frame_<index>.jpg so
// adapterutil.ListFrameFiles picks it up with the given sampled index.
func writeFrame(t *testing.T, dir string, index int) string {
	t.Helper()
	p := filepath.Join(dir, "frame_"+itoa(index)+".jpg")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	return p
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func TestObjectDetection_RemapsFrameNumberToSampledIndex(t *testing.T) {
	framesDir := t.TempDir()
	// Sampled frame indices are not contiguous from zero: this batch's
	// position 0 is sampled frame 3, position 1 is sampled frame 7.
	writeFrame(t, framesDir, 3)
	writeFrame(t, framesDir, 7)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := detectResponse{}
		resp.Results = []struct {
			FrameNumber int `json:"frame_number"`
			Confidences []struct {
				Name       string  `json:"name"`
				Confidence float64 `json:"confidence"`
			} `json:"confidences"`
		}{
			{FrameNumber: 1, Confidences: []struct {
				Name       string  `json:"name"`
				Confidence float64 `json:"confidence"`
			}{{Name: "dog", Confidence: 0.9}}},
			{FrameNumber: 0, Confidences: []struct {
				Name       string  `json:"name"`
				Confidence float64 `json:"confidence"`
			}{{Name: "cat", Confidence: 0.8}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	pool := servicepool.New(testLogger(t), []servicepool.ServiceConfig{
		{Type: servicepool.ServiceDetect, BaseURL: srv.URL, MaxInFlight: 1},
	})

	a := New(pool, testLogger(t)).(pipeline.AdapterFunc)

	frameOut := frameextraction.Output{FramesDir: framesDir}
	rawFrames, err := json.Marshal(frameOut)
	require.NoError(t, err)

	raw, err := a(pipeline.AdapterInput{
		Ctx:     context.Background(),
		Outputs: map[pipeline.StageName]json.RawMessage{pipeline.StageFrameExtraction: rawFrames},
	})
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Detections, 2)

	byLabel := map[string]int{}
	for _, d := range out.Detections {
		byLabel[d.Label] = d.FrameIndex
	}
	require.Equal(t, 7, byLabel["dog"], "frame_number 1 is the batch's second file, sampled index 7")
	require.Equal(t, 3, byLabel["cat"], "frame_number 0 is the batch's first file, sampled index 3")
}
