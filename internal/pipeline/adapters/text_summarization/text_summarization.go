// Package textsummarization implements the text_summarization stage:
// condense each scene's (possibly repetitive) caption description into a
// handful of representative sentences.
package textsummarization

import (
	"encoding/json"
	"sort"
	"strings"

	scenesegmentation "github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/scene_segmentation"

	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

const (
	// bleuGroupThreshold is the pairwise BLEU score above which two
	// sentences are folded into the same similarity group.
	bleuGroupThreshold = 0.4
	// maxGroupsPerScene caps how many representative sentences a single
	// scene can contribute.
	maxGroupsPerScene = 3
)

// Summary is one condensed sentence carrying its scene's time window.
type Summary struct {
	StartSec   float64 `json:"start_s"`
	EndSec     float64 `json:"end_s"`
	Text       string  `json:"text"`
	SceneNumber int    `json:"scene_number"`
}

// Output is the ordered list of condensed scene summaries.
type Output struct {
	Summarized []Summary `json:"summarized"`
}

func New(log *logger.Logger) pipeline.Adapter {
	a := &adapter{log: log.With("stage", "text_summarization")}
	return pipeline.AdapterFunc(a.Run)
}

type adapter struct {
	log *logger.Logger
}

func (a *adapter) Run(in pipeline.AdapterInput) (json.RawMessage, error) {
	rawScenes, ok := in.Output(pipeline.StageSceneSegmentation)
	if !ok {
		return nil, adapterutil.Fatal("text_summarization: missing scene_segmentation output")
	}
	sceneOut, err := adapterutil.DecodeOutput[scenesegmentation.Output](rawScenes)
	if err != nil {
		return nil, adapterutil.Fatal("text_summarization: %v", err)
	}

	var out []Summary
	for i, scene := range sceneOut.Scenes {
		sentences := splitSentences(scene.Description)
		for _, s := range summarizeScene(sentences) {
			out = append(out, Summary{
				StartSec:    scene.StartSec,
				EndSec:      scene.EndSec,
				Text:        s,
				SceneNumber: i + 1,
			})
		}
	}

	return adapterutil.EncodeOutput(Output{Summarized: out})
}

// splitSentences breaks a scene's concatenated caption description back
// into individual sentences for grouping; captions rarely carry terminal
// punctuation, so a bare caption with none is treated as one sentence.
func splitSentences(description string) []string {
	fields := strings.FieldsFunc(description, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// summarizeScene groups sentences by transitive BLEU similarity, ranks
// groups by size then total intra-group similarity, and from each of the
// top groups picks the sentence that best represents the rest of its
// group (the one maximizing BLEU against every other member).
func summarizeScene(sentences []string) []string {
	if len(sentences) == 0 {
		return nil
	}
	if len(sentences) == 1 {
		return sentences
	}

	groups := adapterutil.GroupBySimilarity(len(sentences), bleuGroupThreshold, func(i, j int) float64 {
		return adapterutil.BLEU(sentences[i], sentences[j])
	})

	type scored struct {
		members []int
		weight  float64
	}
	ranked := make([]scored, 0, len(groups))
	for _, g := range groups {
		var weight float64
		for a := 0; a < len(g); a++ {
			for b := a + 1; b < len(g); b++ {
				weight += adapterutil.BLEU(sentences[g[a]], sentences[g[b]])
			}
		}
		ranked = append(ranked, scored{members: g, weight: weight})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if len(ranked[i].members) != len(ranked[j].members) {
			return len(ranked[i].members) > len(ranked[j].members)
		}
		return ranked[i].weight > ranked[j].weight
	})

	limit := maxGroupsPerScene
	if limit > len(ranked) {
		limit = len(ranked)
	}

	out := make([]string, 0, limit)
	for _, g := range ranked[:limit] {
		out = append(out, representative(sentences, g.members))
	}
	return out
}

// representative picks the member sentence with the highest summed BLEU
// score against every other member of its group.
func representative(sentences []string, members []int) string {
	if len(members) == 1 {
		return sentences[members[0]]
	}
	best := members[0]
	bestScore := -1.0
	for _, i := range members {
		var score float64
		for _, j := range members {
			if i == j {
				continue
			}
			score += adapterutil.BLEU(sentences[i], sentences[j])
		}
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return sentences[best]
}
