package adapterutil_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

func TestFatalWrapsInvariantViolation(t *testing.T) {
	err := adapterutil.Fatal("bad frame count %d", 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, pkgerrors.ErrInvariantViolation))
	require.Contains(t, err.Error(), "bad frame count 0")
}

func TestEncodeDecodeOutputRoundTrip(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	raw, err := adapterutil.EncodeOutput(payload{Name: "x", N: 3})
	require.NoError(t, err)

	got, err := adapterutil.DecodeOutput[payload](raw)
	require.NoError(t, err)
	require.Equal(t, payload{Name: "x", N: 3}, got)
}

func TestDecodeOutputEmptyIsError(t *testing.T) {
	_, err := adapterutil.DecodeOutput[struct{}](nil)
	require.Error(t, err)
}

func TestLinspace(t *testing.T) {
	require.Equal(t, []float64{0, 5, 10}, adapterutil.Linspace(0, 10, 3))
	require.Equal(t, []float64{0}, adapterutil.Linspace(0, 10, 1))
	require.Nil(t, adapterutil.Linspace(0, 10, 0))
}

func TestLinspaceInt(t *testing.T) {
	got := adapterutil.LinspaceInt(0, 10, 3)
	require.Equal(t, []int{0, 5, 10}, got)
}

func TestLevenshtein(t *testing.T) {
	require.Equal(t, 0, adapterutil.Levenshtein("same", "same"))
	require.Equal(t, 1, adapterutil.Levenshtein("cat", "cats"))
	require.Equal(t, 3, adapterutil.Levenshtein("kitten", "sitting"))
}

func TestTextDifference(t *testing.T) {
	require.Equal(t, 0.0, adapterutil.TextDifference("identical text", "identical text"))
	require.Greater(t, adapterutil.TextDifference("a completely different caption", "nothing alike here at all"), 0.5)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, adapterutil.CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	require.InDelta(t, 0.0, adapterutil.CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
}

func TestBLEU(t *testing.T) {
	score := adapterutil.BLEU("the cat sat on the mat", "the cat sat on the mat")
	require.InDelta(t, 1.0, score, 1e-6)

	low := adapterutil.BLEU("completely unrelated words here", "the cat sat on the mat")
	require.Less(t, low, score)
}

func TestGroupBySimilarity(t *testing.T) {
	sim := [][]float64{
		{1, 0.9, 0.1, 0.1},
		{0.9, 1, 0.1, 0.1},
		{0.1, 0.1, 1, 0.9},
		{0.1, 0.1, 0.9, 1},
	}
	groups := adapterutil.GroupBySimilarity(4, 0.5, func(i, j int) float64 { return sim[i][j] })
	require.Len(t, groups, 2)

	total := 0
	for _, g := range groups {
		total += len(g)
	}
	require.Equal(t, 4, total)
}

func TestParseJobMetadata(t *testing.T) {
	empty := adapterutil.ParseJobMetadata(nil)
	require.Equal(t, adapterutil.JobMetadata{}, empty)

	start := 1.5
	raw, err := json.Marshal(adapterutil.JobMetadata{
		UserID:         "u1",
		YDXServer:      "https://ydx.example",
		YDXAppHost:     "app.example",
		VideoStartTime: &start,
	})
	require.NoError(t, err)

	got := adapterutil.ParseJobMetadata(raw)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "https://ydx.example", got.YDXServer)
	require.NotNil(t, got.VideoStartTime)
	require.InDelta(t, 1.5, *got.VideoStartTime, 1e-9)
}

func TestListFrameFiles(t *testing.T) {
	dir := t.TempDir()
	names := []string{"frame_2.jpg", "frame_10.jpg", "frame_1.jpg", "not_a_frame.txt"}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	files, err := adapterutil.ListFrameFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, []int{1, 2, 10}, []int{files[0].Index, files[1].Index, files[2].Index})
}

func TestFrameTimeSeconds(t *testing.T) {
	require.InDelta(t, 2.0, adapterutil.FrameTimeSeconds(60, 30), 1e-9)
	require.InDelta(t, 5.0, adapterutil.FrameTimeSeconds(5, 0), 1e-9)
}
