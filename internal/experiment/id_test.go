package experiment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/evalflow/types"
)

func TestID(t *testing.T) {
	split := types.SplitValid
	seed := 0

	tests := []struct {
		name string
		exp  string
		opts Options
		want string
	}{
		{name: "name only", exp: "Analysis", want: "analysis"},
		{
			name: "all parts",
			exp:  "analysis",
			opts: Options{Model: "Llama2-7B", Dataset: "IMDB", Split: &split, Seed: &seed},
			want: "analysis_m-llama2-7b_d-imdb_p-valid_s-0",
		},
		{name: "seed only", exp: "faithful", opts: Options{Seed: &seed}, want: "faithful_s-0"},
		{
			name: "model path is flattened",
			exp:  "classify",
			opts: Options{Model: "meta-llama/Llama-2-7b-chat-hf"},
			want: "classify_m-meta-llama-llama-2-7b-chat-hf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ID(tt.exp, tt.opts))
		})
	}
}

func TestDirs(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "database"), CacheDir("data"))
	assert.Equal(t, filepath.Join("data", "results", "analysis"), ResultsDir("data", "Analysis"))
}
