// Package adapterutil collects the small pieces of math and HTTP
// plumbing shared by more than one stage adapter, so each adapter
// package stays focused on its own stage's control flow.
package adapterutil

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

// NewHTTPClient builds a client bounded by maxIdlePerHost rather than the
// shared http.DefaultClient, per the pipeline's resource limits: every
// call to a GPU-backed inference service carries its own deadline too.
func NewHTTPClient(maxIdlePerHost int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxIdlePerHost * 2,
			MaxIdleConnsPerHost: maxIdlePerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Fatal wraps an error with ErrInvariantViolation, the sentinel the Stage
// Runner treats as non-retryable: mark failed immediately instead of
// spending the retry budget on something that will never succeed.
func Fatal(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, pkgerrors.ErrInvariantViolation)...)
}

// DecodeOutput unmarshals a prior stage's persisted output into T.
func DecodeOutput[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("adapterutil: empty output")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("adapterutil: decode output: %w", err)
	}
	return v, nil
}

// EncodeOutput marshals a stage's result to the json.RawMessage the
// Adapter interface returns.
func EncodeOutput(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("adapterutil: encode output: %w", err)
	}
	return json.RawMessage(b), nil
}

// Linspace mirrors numpy.linspace(start, stop, num) for the even-sampling
// math frame_extraction and keyframe_selection both need: num evenly
// spaced samples over [start, stop], inclusive of both ends.
func Linspace(start, stop float64, num int) []float64 {
	if num <= 0 {
		return nil
	}
	if num == 1 {
		return []float64{start}
	}
	out := make([]float64, num)
	step := (stop - start) / float64(num-1)
	for i := 0; i < num; i++ {
		out[i] = start + step*float64(i)
	}
	return out
}

// LinspaceInt is Linspace rounded to the nearest integer sample index,
// the form frame_extraction actually consumes (frame indices).
func LinspaceInt(start, stop float64, num int) []int {
	fs := Linspace(start, stop, num)
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(math.Round(f))
	}
	return out
}

// Levenshtein computes the edit distance between two strings by rune,
// using the classic O(len(a)*len(b)) DP table.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// TextDifference is the normalized Levenshtein ratio used to tell
// near-duplicate OCR lines apart from genuinely distinct ones: the edit
// distance divided by the longer of the two strings' lengths, 0 for two
// identical strings (including two empty strings).
func TextDifference(source, target string) float64 {
	maxLen := len([]rune(source))
	if tl := len([]rune(target)); tl > maxLen {
		maxLen = tl
	}
	if maxLen == 0 {
		return 0
	}
	return float64(Levenshtein(source, target)) / float64(maxLen)
}

// CosineSimilarity computes the cosine of the angle between two equal
// length vectors, 0 if either is the zero vector.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenize lowercases and splits on whitespace/punctuation runs, the
// minimal tokenizer BLEU's n-gram counting needs.
func tokenize(s string) []string {
	f := func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}
	return strings.FieldsFunc(strings.ToLower(s), f)
}

func ngrams(tokens []string, n int) map[string]int {
	out := make(map[string]int)
	if len(tokens) < n {
		return out
	}
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")]++
	}
	return out
}

// BLEU computes a smoothed, single-reference BLEU-4 score (geometric mean
// of 1..4-gram precision, each add-one smoothed to avoid a single missing
// order zeroing the whole score) with the standard brevity penalty. This
// is the similarity measure text_summarization groups captions by and
// picks each group's representative sentence with.
func BLEU(candidate, reference string) float64 {
	cTokens := tokenize(candidate)
	rTokens := tokenize(reference)
	if len(cTokens) == 0 || len(rTokens) == 0 {
		return 0
	}

	var logSum float64
	for n := 1; n <= 4; n++ {
		cGrams := ngrams(cTokens, n)
		rGrams := ngrams(rTokens, n)
		var match, total int
		for g, c := range cGrams {
			total += c
			if rc, ok := rGrams[g]; ok {
				if rc < c {
					match += rc
				} else {
					match += c
				}
			}
		}
		precision := (float64(match) + 1) / (float64(total) + 1)
		logSum += math.Log(precision)
	}
	score := math.Exp(logSum / 4)

	bp := 1.0
	if len(cTokens) < len(rTokens) {
		bp = math.Exp(1 - float64(len(rTokens))/float64(len(cTokens)))
	}
	return score * bp
}

// unionFind is the disjoint-set structure text_summarization uses to take
// the transitive closure of "similar enough" caption pairs.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// GroupBySimilarity partitions n items into groups via transitive closure
// of the given pairwise similarity function crossing threshold: if item i
// and item j are similar enough, and j and k are similar enough, i/j/k end
// up in the same group even if i and k individually fall short.
func GroupBySimilarity(n int, threshold float64, similar func(i, j int) float64) [][]int {
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if similar(i, j) >= threshold {
				uf.union(i, j)
			}
		}
	}
	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}
	out := make([][]int, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(a, b int) bool { return out[a][0] < out[b][0] })
	return out
}

// JobMetadata is the subset of intake-time request fields a stage adapter
// may need that aren't another stage's ModuleOutput: the YDX target the
// Intake API recorded when the job was submitted, and an optional trim
// window for import_video.
type JobMetadata struct {
	UserID         string   `json:"user_id,omitempty"`
	YDXServer      string   `json:"ydx_server,omitempty"`
	YDXAppHost     string   `json:"ydx_app_host,omitempty"`
	VideoStartTime *float64 `json:"video_start_time,omitempty"`
	VideoEndTime   *float64 `json:"video_end_time,omitempty"`
}

// ParseJobMetadata decodes a job's persisted Metadata column, tolerating
// an empty/nil value (a job submitted before a field existed, or one with
// no trim window) by returning the zero value.
func ParseJobMetadata(raw json.RawMessage) JobMetadata {
	var m JobMetadata
	if len(raw) == 0 {
		return m
	}
	_ = json.Unmarshal(raw, &m)
	return m
}

// FrameFile is one sampled frame on disk: its original video frame index
// (parsed back out of "frame_<index>.jpg") and its path.
type FrameFile struct {
	Index int
	Path  string
}

// ListFrameFiles globs frame_extraction's output directory for
// "frame_<n>.jpg" files and returns them sorted by frame index, the
// order every downstream frame-consuming adapter walks them in.
func ListFrameFiles(framesDir string) ([]FrameFile, error) {
	entries, err := filepath.Glob(filepath.Join(framesDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	out := make([]FrameFile, 0, len(entries))
	for _, p := range entries {
		base := filepath.Base(p)
		base = strings.TrimSuffix(base, ".jpg")
		base = strings.TrimPrefix(base, "frame_")
		idx, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		out = append(out, FrameFile{Index: idx, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// FrameTimeSeconds converts a frame index back to a timestamp using the
// source video's fps, falling back to treating the index as seconds when
// fps is unknown (mirrors frame_extraction's own fallback).
func FrameTimeSeconds(frameIdx int, sourceFPS float64) float64 {
	if sourceFPS <= 0 {
		return float64(frameIdx)
	}
	return float64(frameIdx) / sourceFPS
}
