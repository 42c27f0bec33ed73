package workflows

import (
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

// Complexity is a coarse size class for a planned workflow.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Estimate is an advisory projection. It never gates execution.
type Estimate struct {
	Complexity Complexity              `json:"complexity"`
	Duration   time.Duration           `json:"duration"`
	Cost       float64                 `json:"cost"`
	Layers     []layerbridge.LayerName `json:"layers"`
}

const megabyte = 1 << 20

type stepProfile struct {
	duration time.Duration
	cost     float64
	// perMB is added for every megabyte of input files.
	perMB time.Duration
}

var profiles = map[layerbridge.TaskKind]stepProfile{
	layerbridge.KindQuery:         {duration: 10 * time.Second, cost: 0.01},
	layerbridge.KindSummarize:     {duration: 10 * time.Second, cost: 0.01},
	layerbridge.KindConvert:       {duration: 15 * time.Second, cost: 0.01, perMB: 2 * time.Second},
	layerbridge.KindSearch:        {duration: 15 * time.Second, cost: 0.005},
	layerbridge.KindAnalyze:       {duration: 20 * time.Second, cost: 0.02, perMB: 5 * time.Second},
	layerbridge.KindExtract:       {duration: 30 * time.Second, cost: 0.03, perMB: 5 * time.Second},
	layerbridge.KindTranscribe:    {duration: 60 * time.Second, cost: 0.05, perMB: 10 * time.Second},
	layerbridge.KindGenerateImage: {duration: 30 * time.Second, cost: 0.04},
	layerbridge.KindGenerateAudio: {duration: 45 * time.Second, cost: 0.06},
	layerbridge.KindGenerateVideo: {duration: 3 * time.Minute, cost: 0.5},
}

// complexityOf scores file count, total size and option flags.
func complexityOf(files []layerbridge.FileReference, opts Options) Complexity {
	score := 0
	switch n := len(files); {
	case n > 5:
		score += 2
	case n > 1:
		score++
	}
	var size int64
	for _, f := range files {
		size += f.Size
	}
	switch {
	case size > 10*megabyte:
		score += 2
	case size > megabyte:
		score++
	}
	if _, media := classify(files); len(media) > 0 {
		score++
	}
	for _, flag := range []bool{opts.Search, opts.Detailed, opts.Enhance, opts.Quality == "high"} {
		if flag {
			score++
		}
	}
	switch {
	case score <= 1:
		return ComplexityLow
	case score <= 3:
		return ComplexityMedium
	}
	return ComplexityHigh
}

func (c Complexity) factor() float64 {
	switch c {
	case ComplexityMedium:
		return 1.5
	case ComplexityHigh:
		return 2.5
	}
	return 1
}

// EstimateDefinition projects duration along the critical path and sums cost
// over all steps, scaled by complexity.
func EstimateDefinition(def *layerbridge.WorkflowDefinition, files []layerbridge.FileReference, opts Options) Estimate {
	est := Estimate{Complexity: complexityOf(files, opts)}
	factor := est.Complexity.factor()

	stepDur := make(map[string]time.Duration, len(def.Steps))
	seen := make(map[layerbridge.LayerName]bool)
	for _, s := range def.Steps {
		p := profiles[s.Action]
		d := p.duration
		if p.perMB > 0 {
			d += time.Duration(stepFileSize(s)/megabyte) * p.perMB
		}
		stepDur[s.ID] = d
		est.Cost += p.cost

		layer := expectedLayer(s)
		if !seen[layer] {
			seen[layer] = true
			est.Layers = append(est.Layers, layer)
		}
	}

	finish := make(map[string]time.Duration, len(def.Steps))
	var finishAt func(id string) time.Duration
	finishAt = func(id string) time.Duration {
		if d, ok := finish[id]; ok {
			return d
		}
		s, _ := def.Step(id)
		var start time.Duration
		for _, dep := range s.DependsOn {
			if d := finishAt(dep); d > start {
				start = d
			}
		}
		finish[id] = start + stepDur[id]
		return finish[id]
	}
	var critical time.Duration
	for _, s := range def.Steps {
		if d := finishAt(s.ID); d > critical {
			critical = d
		}
	}

	est.Duration = time.Duration(float64(critical) * factor).Round(time.Second)
	est.Cost = float64(int(est.Cost*factor*1000+0.5)) / 1000
	return est
}

func stepFiles(s layerbridge.WorkflowStep) []layerbridge.FileReference {
	files, _ := s.Input["files"].([]layerbridge.FileReference)
	return files
}

func stepFileSize(s layerbridge.WorkflowStep) int64 {
	var size int64
	for _, f := range stepFiles(s) {
		size += f.Size
	}
	return size
}

// expectedLayer mirrors the manager's routing preferences for planning.
func expectedLayer(s layerbridge.WorkflowStep) layerbridge.LayerName {
	if s.Layer != "" {
		return s.Layer
	}
	switch s.Action {
	case layerbridge.KindSearch:
		return layerbridge.LayerSearch
	case layerbridge.KindExtract, layerbridge.KindTranscribe,
		layerbridge.KindGenerateImage, layerbridge.KindGenerateAudio, layerbridge.KindGenerateVideo:
		return layerbridge.LayerMultimodal
	}
	for _, f := range stepFiles(s) {
		if !f.IsText() {
			return layerbridge.LayerMultimodal
		}
	}
	return layerbridge.LayerReasoning
}
