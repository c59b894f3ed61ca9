package steps

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumEnsembles(t *testing.T) {
	t.Run("TakesLargestCount", func(t *testing.T) {
		log := `reading profiles
number_of_states 1
scoring
number_of_states 3
number_of_states 2
`
		assert.Equal(t, 3, NumEnsembles(log))
	})

	t.Run("NoMatches", func(t *testing.T) {
		assert.Equal(t, 0, NumEnsembles("nothing to see here"))
	})
}

func TestExtractPDBPaths(t *testing.T) {
	content := `1 | 2.79 | x1 2.79 (1.00, -0.22)
    0   | /bilbomd/uploads/abc/foxs/rg24_run1/dcd2pdb_rg24_run1_5.pdb.dat (0.999, 1.682)
    1   | /bilbomd/uploads/abc/foxs/rg28_run2/dcd2pdb_rg28_run2_9.pdb.dat (0.987, 0.441)
not a model line
`
	paths := ExtractPDBPaths(content)
	require.Len(t, paths, 2)
	assert.Equal(t, "/bilbomd/uploads/abc/foxs/rg24_run1/dcd2pdb_rg24_run1_5.pdb", paths[0])
	assert.Equal(t, "/bilbomd/uploads/abc/foxs/rg28_run2/dcd2pdb_rg28_run2_9.pdb", paths[1])
}

func TestConcatenateEnsemble(t *testing.T) {
	dir := t.TempDir()
	resultsDir := filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(resultsDir, 0o755))

	var members []string
	for i := 1; i <= 2; i++ {
		file := filepath.Join(dir, fmt.Sprintf("model%d.pdb", i))
		content := fmt.Sprintf("ATOM      1  N   ALA A   %d       0.000   0.000   0.000\nEND\n", i)
		require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
		members = append(members, file)
	}

	require.NoError(t, ConcatenateEnsemble(members, 2, resultsDir))

	out, err := os.ReadFile(filepath.Join(resultsDir, "ensemble_size_2_model.pdb"))
	require.NoError(t, err)
	text := string(out)

	assert.Equal(t, 2, strings.Count(text, "MODEL       "), "one MODEL record per member")
	assert.Equal(t, 2, strings.Count(text, "ENDMDL"), "END records rewritten to ENDMDL")
	assert.NotRegexp(t, `\bEND\n?$`, text, "no bare END left at the tail")
	assert.Contains(t, text, "MODEL       1")
	assert.Contains(t, text, "MODEL       2")
}
