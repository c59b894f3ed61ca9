package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

func TestOpenMMRgs(t *testing.T) {
	t.Run("SixEvenPointsEndpointsIncluded", func(t *testing.T) {
		assert.Equal(t, []int{20, 24, 28, 32, 36, 40}, OpenMMRgs(20, 40))
	})

	t.Run("DegenerateRangeRepeatsTheBound", func(t *testing.T) {
		assert.Equal(t, []int{25, 25, 25, 25, 25, 25}, OpenMMRgs(25, 25))
	})
}

func TestParseConstInp(t *testing.T) {
	t.Run("FixedAndRigidBodies", func(t *testing.T) {
		content := `* constraints
define fixed1 sele ( resid 214:672 .and. segid PROA ) end
define rigid1 sele ( resid 1:188 .and. segid PROB ) end
cons fix sele fixed1 end
shape desc dock1 rigid sele rigid1 end
`
		constraints := parseConstInp(content)
		require.NotNil(t, constraints)

		require.Len(t, constraints.FixedBodies, 1)
		assert.Equal(t, "FixedBody1", constraints.FixedBodies[0].Name)
		assert.Equal(t, "A", constraints.FixedBodies[0].ChainID)
		assert.Equal(t, 214, constraints.FixedBodies[0].Residues.Start)
		assert.Equal(t, 672, constraints.FixedBodies[0].Residues.Stop)

		require.Len(t, constraints.RigidBodies, 1)
		assert.Equal(t, "RigidBody1", constraints.RigidBodies[0].Name)
		assert.Equal(t, "B", constraints.RigidBodies[0].ChainID)
	})

	t.Run("MultipleSelectionsJoinedByOr", func(t *testing.T) {
		content := `define fixed1 sele ( resid 1:10 .and. segid PROA ) end
define fixed2 sele ( resid 20:30 .and. segid PROC ) end
cons fix sele fixed1 .or. fixed2 end
`
		constraints := parseConstInp(content)
		require.NotNil(t, constraints)
		require.Len(t, constraints.FixedBodies, 2)
		assert.Equal(t, "C", constraints.FixedBodies[1].ChainID)
	})

	t.Run("NoSelectionsMeansNil", func(t *testing.T) {
		assert.Nil(t, parseConstInp("* nothing here\n"))
	})
}

func TestWriteOpenMMConfig(t *testing.T) {
	uploadDir := t.TempDir()
	job := &models.Job{
		UUID:      "0a1b2c3d-0000-4000-8000-000000000000",
		PDBFile:   "model.pdb",
		ConstFile: "const.inp",
		RgMin:     20,
		RgMax:     40,
		Steps:     types.Steps{},
	}
	dir := job.WorkDir(uploadDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "const.inp"),
		[]byte("define fixed1 sele ( resid 5:50 .and. segid PROA ) end\ncons fix sele fixed1 end\n"),
		0o644,
	))

	runner := stubRunner(job, &recordingExecutor{}, uploadDir)
	require.NoError(t, runner.WriteOpenMMConfig(context.Background(), stubJobContext{}, job))
	assert.Equal(t, types.StepSuccess, job.Steps.Get(types.StepOpenMMCfg).Status)

	raw, err := os.ReadFile(filepath.Join(dir, OpenMMConfigFile))
	require.NoError(t, err)

	var cfg openmmConfig
	require.NoError(t, yaml.Unmarshal(raw, &cfg))
	assert.Equal(t, "model.pdb", cfg.Input.PDBFile)
	assert.Equal(t, []string{"charmm36.xml", "implicit/hct.xml"}, cfg.Input.Forcefield)
	assert.Equal(t, OpenMMRgs(20, 40), cfg.Steps.MD.Rgyr.Rgs)
	require.NotNil(t, cfg.Constraints)
	require.Len(t, cfg.Constraints.FixedBodies, 1)
	assert.Equal(t, "A", cfg.Constraints.FixedBodies[0].ChainID)
}

func TestRunOpenMMMD(t *testing.T) {
	uploadDir := t.TempDir()
	job := &models.Job{
		UUID:    "4e5f6071-0000-4000-8000-000000000000",
		PDBFile: "model.pdb",
		RgMin:   20,
		RgMax:   40,
		Steps:   types.Steps{},
	}
	require.NoError(t, os.MkdirAll(job.WorkDir(uploadDir), 0o755))

	exec := &recordingExecutor{}
	runner := stubRunner(job, exec, uploadDir)
	require.NoError(t, runner.RunOpenMMMD(context.Background(), stubJobContext{}, job))

	assert.Equal(t, 6, exec.ran("python3"), "one md.py per Rg target")
	assert.Equal(t, types.StepSuccess, job.Steps.Get(types.StepMD).Status)

	// each invocation carries its Rg target in the environment
	seen := map[string]bool{}
	for _, cmd := range exec.commands {
		require.Len(t, cmd.Env, 1)
		seen[cmd.Env[0]] = true
	}
	for _, rg := range OpenMMRgs(20, 40) {
		assert.True(t, seen[fmt.Sprintf("OMM_RG=%d", rg)], "missing rg %d", rg)
	}
}
