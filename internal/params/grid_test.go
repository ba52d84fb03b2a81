package params

import "testing"

func TestExpandCartesianProduct(t *testing.T) {
	g := Grid{
		Datasets:       []string{"a", "b"},
		Seeds:          []int64{1, 2, 3},
		MaxSteps:       []int{10, 20},
		MaxConcurrency: 4,
	}
	configs := g.Expand()

	if len(configs) != 12 {
		t.Fatalf("Expected 12 configurations, got %d", len(configs))
	}
	first := configs[0]
	if first.Dataset != "a" || first.Seed != 1 || first.MaxSteps != 10 {
		t.Errorf("Unexpected first configuration: %+v", first)
	}
	last := configs[len(configs)-1]
	if last.Dataset != "b" || last.Seed != 3 || last.MaxSteps != 20 {
		t.Errorf("Unexpected last configuration: %+v", last)
	}
	for i, c := range configs {
		if c.MaxConcurrency != 4 {
			t.Errorf("Config %d: expected concurrency 4, got %d", i, c.MaxConcurrency)
		}
	}
}

func TestExpandDatasetsOutermost(t *testing.T) {
	g := Grid{
		Datasets: []string{"a", "b"},
		Seeds:    []int64{1, 2},
	}
	configs := g.Expand()

	want := []struct {
		dataset string
		seed    int64
	}{
		{"a", 1}, {"a", 2}, {"b", 1}, {"b", 2},
	}
	for i, w := range want {
		if configs[i].Dataset != w.dataset || configs[i].Seed != w.seed {
			t.Errorf("Config %d: expected %s/%d, got %s/%d", i, w.dataset, w.seed, configs[i].Dataset, configs[i].Seed)
		}
	}
}

func TestExpandEmptyListsContributeZeroValue(t *testing.T) {
	configs := Grid{Seeds: []int64{7}}.Expand()

	if len(configs) != 1 {
		t.Fatalf("Expected 1 configuration, got %d", len(configs))
	}
	c := configs[0]
	if c.Dataset != "" || c.Seed != 7 || c.MaxSteps != 0 {
		t.Errorf("Unexpected configuration: %+v", c)
	}
}

func TestExpandEmptyGrid(t *testing.T) {
	configs := Grid{}.Expand()
	if len(configs) != 1 {
		t.Fatalf("An empty grid still expands to one zero configuration, got %d", len(configs))
	}
}
