package pipeline

import "fmt"

// StageDef is one entry in the Stage Registry: a name, the stages it reads
// module output from, and the adapter that runs it.
type StageDef struct {
	Name      StageName
	DependsOn []StageName
	Adapter   Adapter
}

// Registry is the fixed, boot-time-validated table of all twelve stages.
// It never changes at runtime; jobs walk it in registration order,
// skipping stages whose StageState is already done.
type Registry struct {
	order []StageDef
	byName map[StageName]StageDef
}

// defaultOrder is the canonical dependency graph. Adapters are attached
// separately via NewRegistry so this table can be unit-tested without
// constructing every external client.
var defaultOrder = []StageDef{
	{Name: StageImportVideo},
	{Name: StageExtractAudio, DependsOn: []StageName{StageImportVideo}},
	{Name: StageSpeechToText, DependsOn: []StageName{StageExtractAudio}},
	{Name: StageFrameExtraction, DependsOn: []StageName{StageImportVideo}},
	{Name: StageOCRExtraction, DependsOn: []StageName{StageFrameExtraction}},
	{Name: StageObjectDetection, DependsOn: []StageName{StageFrameExtraction}},
	{Name: StageKeyframeSelection, DependsOn: []StageName{StageObjectDetection}},
	{Name: StageImageCaptioning, DependsOn: []StageName{StageKeyframeSelection}},
	{Name: StageCaptionRating, DependsOn: []StageName{StageImageCaptioning}},
	{Name: StageSceneSegmentation, DependsOn: []StageName{StageCaptionRating, StageFrameExtraction, StageObjectDetection}},
	{Name: StageTextSummarization, DependsOn: []StageName{StageSceneSegmentation}},
	{Name: StageUploadToYDX, DependsOn: []StageName{StageTextSummarization, StageOCRExtraction, StageSpeechToText}},
}

// NewRegistry builds a Registry from defaultOrder with adapters attached
// by name, and validates it via a Kahn topological sort: every
// DependsOn entry must name a stage registered earlier in the table, and
// every stage must have an adapter. Panics on a malformed table since
// this only ever runs once at process boot.
func NewRegistry(adapters map[StageName]Adapter) *Registry {
	defs := make([]StageDef, len(defaultOrder))
	copy(defs, defaultOrder)
	for i, d := range defs {
		a, ok := adapters[d.Name]
		if !ok {
			panic(fmt.Sprintf("pipeline: no adapter registered for stage %q", d.Name))
		}
		defs[i].Adapter = a
	}

	r := &Registry{
		order:  defs,
		byName: make(map[StageName]StageDef, len(defs)),
	}
	for _, d := range defs {
		r.byName[d.Name] = d
	}
	if err := validateDAG(defs); err != nil {
		panic(fmt.Sprintf("pipeline: invalid stage registry: %v", err))
	}
	return r
}

// validateDAG runs Kahn's algorithm over the registry's DependsOn edges
// and returns an error if any edge references an unknown stage or the
// graph contains a cycle.
func validateDAG(defs []StageDef) error {
	indexOf := make(map[StageName]int, len(defs))
	for i, d := range defs {
		indexOf[d.Name] = i
	}

	inDegree := make(map[StageName]int, len(defs))
	adj := make(map[StageName][]StageName, len(defs))
	for _, d := range defs {
		if _, ok := inDegree[d.Name]; !ok {
			inDegree[d.Name] = 0
		}
		for _, dep := range d.DependsOn {
			depIdx, ok := indexOf[dep]
			if !ok {
				return fmt.Errorf("stage %q depends on unregistered stage %q", d.Name, dep)
			}
			if depIdx >= indexOf[d.Name] {
				return fmt.Errorf("stage %q depends on %q which is not registered earlier", d.Name, dep)
			}
			adj[dep] = append(adj[dep], d.Name)
			inDegree[d.Name]++
		}
	}

	queue := make([]StageName, 0, len(defs))
	for _, d := range defs {
		if inDegree[d.Name] == 0 {
			queue = append(queue, d.Name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(defs) {
		return fmt.Errorf("stage registry contains a cycle")
	}
	return nil
}

// Ordered returns every stage definition in registration order.
func (r *Registry) Ordered() []StageDef {
	return r.order
}

func (r *Registry) Lookup(name StageName) (StageDef, bool) {
	d, ok := r.byName[name]
	return d, ok
}
