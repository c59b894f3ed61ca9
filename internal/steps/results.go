package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cp "github.com/otiai10/copy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

// RunResults assembles the downloadable archive: best ensembles, fit
// data, original inputs, and a README, tarred into results-<uuid>.tar.gz.
// Missing optional artifacts are logged and skipped; a failed archive
// is fatal.
func (r *Runner) RunResults(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunResults")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepResults, types.StepRunning, "")

	dir := r.workDir(job)
	multiFoxsDir := filepath.Join(dir, "multifoxs")
	resultsDir := filepath.Join(dir, "results")

	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		span.SetStatus(codes.Error, "failed to create results dir")
		return r.HandleError(ctx, jc, job, types.StepResults, err)
	}
	_ = jc.Log(ctx, "Create results directory")

	var gathered []string

	// ensemble definitions and best fit profiles
	gathered = append(gathered, r.gatherGlob(ctx, filepath.Join(multiFoxsDir, "ensembles_size*.txt"), resultsDir)...)
	gathered = append(gathered, r.gatherGlob(ctx, filepath.Join(multiFoxsDir, "multi_state_model_*_1_1.dat"), resultsDir)...)
	_ = jc.Log(ctx, "Gather ensemble and fit files")

	// original inputs
	inputs := []string{job.DataFile, job.ConstFile, job.CRDFile, job.PSFFile, job.PDBFile, job.PAEFile}
	for _, name := range inputs {
		if name == "" {
			continue
		}
		if r.gatherFile(ctx, filepath.Join(dir, name), resultsDir) {
			gathered = append(gathered, name)
		}
		_ = jc.Log(ctx, fmt.Sprintf("Gathered %s", name))
	}

	numEnsembles := 0
	logContent, err := os.ReadFile(filepath.Join(multiFoxsDir, "multi_foxs.log"))
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to read multi_foxs log", "error", err)
	} else {
		numEnsembles = NumEnsembles(string(logContent))
	}
	span.SetAttributes(attribute.Int("numEnsembles", numEnsembles))
	_ = jc.Log(ctx, fmt.Sprintf("Gather %d best ensembles", numEnsembles))

	for i := 1; i <= numEnsembles; i++ {
		content, err := os.ReadFile(filepath.Join(multiFoxsDir, fmt.Sprintf("ensembles_size_%d.txt", i)))
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to read ensemble file", "size", i, "error", err)
			continue
		}

		pdbFiles := ExtractPDBPaths(string(content))
		numToCopy := min(len(pdbFiles), i)
		members := pdbFiles[:numToCopy]

		if err = ConcatenateEnsemble(members, len(members), resultsDir); err != nil {
			span.SetStatus(codes.Error, "failed to build ensemble model")
			return r.HandleError(ctx, jc, job, types.StepResults, err)
		}
		gathered = append(gathered, fmt.Sprintf("ensemble_size_%d_model.pdb", len(members)))
		_ = jc.Log(ctx, fmt.Sprintf("Gathered %d PDB files from ensembles_size_%d.txt", len(pdbFiles), i))
	}

	if err = writeReadme(job, numEnsembles, resultsDir); err != nil {
		span.SetStatus(codes.Error, "failed to write readme")
		return r.HandleError(ctx, jc, job, types.StepResults, err)
	}
	_ = jc.Log(ctx, "wrote README.md file")

	if err = writeManifest(job, numEnsembles, gathered, resultsDir); err != nil {
		span.SetStatus(codes.Error, "failed to write job manifest")
		return r.HandleError(ctx, jc, job, types.StepResults, err)
	}
	_ = jc.Log(ctx, "wrote bilbomd_job.json manifest")

	uuidPrefix, _, _ := strings.Cut(job.UUID, "-")
	archiveName := fmt.Sprintf("results-%s.tar.gz", uuidPrefix)

	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: "tar",
		Args:    []string{"czf", archiveName, "results"},
		Dir:     dir,
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to spawn tar")
		return r.HandleError(ctx, jc, job, types.StepResults, err)
	}
	if result.ExitCode != 0 {
		span.SetStatus(codes.Error, "tar failed")
		return r.HandleError(ctx, jc, job, types.StepResults,
			workererrors.ExitErrorWrap(result.ExitCode,
				fmt.Errorf("tar exited %d", result.ExitCode)))
	}
	_ = jc.Log(ctx, fmt.Sprintf("created %s file", archiveName))

	r.markStep(ctx, job, types.StepResults, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "assembled results")
	return nil
}

// gatherGlob copies everything matching the pattern into dst and
// returns the copied base names. Failures are logged, not fatal: a
// partial results archive beats none.
func (r *Runner) gatherGlob(ctx context.Context, pattern, dst string) []string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		logger.Logger.WarnContext(ctx, "bad gather pattern", "pattern", pattern, "error", err)
		return nil
	}

	var copied []string
	for _, match := range matches {
		if r.gatherFile(ctx, match, dst) {
			copied = append(copied, filepath.Base(match))
		}
	}
	return copied
}

func (r *Runner) gatherFile(ctx context.Context, src, dst string) bool {
	err := cp.Copy(src, filepath.Join(dst, filepath.Base(src)))
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to gather file", "src", src, "error", err)
		return false
	}
	return true
}

func writeReadme(job *models.Job, numEnsembles int, resultsDir string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# BilboMD results\n\n")
	fmt.Fprintf(&b, "- Title: %s\n", job.Title)
	fmt.Fprintf(&b, "- Job ID: %s\n", job.ID)
	fmt.Fprintf(&b, "- UUID: %s\n", job.UUID)
	fmt.Fprintf(&b, "- Generated: %s\n\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "MultiFoXS found ensembles of up to %d states.\n\n", numEnsembles)
	fmt.Fprintf(&b, "## Contents\n\n")
	fmt.Fprintf(&b, "- ensemble_size_N_model.pdb: the N best-scoring states as a multi-model PDB\n")
	fmt.Fprintf(&b, "- ensembles_size_N.txt: scored ensemble definitions from MultiFoXS\n")
	fmt.Fprintf(&b, "- multi_state_model_*_1_1.dat: theoretical fits against the experimental profile\n")
	fmt.Fprintf(&b, "- your original input files\n")

	return os.WriteFile(filepath.Join(resultsDir, "README.md"), []byte(b.String()), 0o644)
}

// writeManifest emits a machine-readable companion to the README so
// downstream tooling can inspect the archive without parsing it.
func writeManifest(job *models.Job, numEnsembles int, files []string, resultsDir string) error {
	manifest := struct {
		UUID         string   `json:"uuid"`
		JobID        string   `json:"job_id"`
		Type         string   `json:"type"`
		Title        string   `json:"title"`
		MDEngine     string   `json:"md_engine,omitempty"`
		RgMin        int      `json:"rg_min"`
		RgMax        int      `json:"rg_max"`
		ConfSampling int      `json:"conformational_sampling"`
		NumEnsembles int      `json:"num_ensembles"`
		Files        []string `json:"files"`
		Generated    string   `json:"generated"`
	}{
		UUID:         job.UUID,
		JobID:        job.ID.String(),
		Type:         string(job.Type),
		Title:        job.Title,
		MDEngine:     string(job.MDEngine),
		RgMin:        job.RgMin,
		RgMax:        job.RgMax,
		ConfSampling: job.ConformationalSampling,
		NumEnsembles: numEnsembles,
		Files:        files,
		Generated:    time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(resultsDir, "bilbomd_job.json"), data, 0o644)
}
