// Package params expands a declarative grid of run parameters into the
// explicit list of run configurations the execution manager consumes. The
// expansion is a plain cartesian product over value lists; no reflection.
package params

// RunConfig is one fully resolved rollout configuration.
type RunConfig struct {
	Dataset        string
	Seed           int64
	MaxSteps       int
	MaxConcurrency int
}

// Grid declares the value lists to combine. Empty lists contribute a single
// zero value so a partially filled grid still expands.
type Grid struct {
	Datasets       []string
	Seeds          []int64
	MaxSteps       []int
	MaxConcurrency int
}

// Expand returns one RunConfig per combination, datasets outermost, in
// declaration order.
func (g Grid) Expand() []RunConfig {
	datasets := g.Datasets
	if len(datasets) == 0 {
		datasets = []string{""}
	}
	seeds := g.Seeds
	if len(seeds) == 0 {
		seeds = []int64{0}
	}
	steps := g.MaxSteps
	if len(steps) == 0 {
		steps = []int{0}
	}

	configs := make([]RunConfig, 0, len(datasets)*len(seeds)*len(steps))
	for _, d := range datasets {
		for _, s := range seeds {
			for _, ms := range steps {
				configs = append(configs, RunConfig{
					Dataset:        d,
					Seed:           s,
					MaxSteps:       ms,
					MaxConcurrency: g.MaxConcurrency,
				})
			}
		}
	}
	return configs
}
