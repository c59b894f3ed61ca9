package steps

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

// runScript executes a helper script from the scripts directory. The
// executor delivers SIGTERM on cancellation and escalates to SIGKILL
// after its wait delay, so hung interpreters cannot wedge the worker.
func (r *Runner) runScript(
	ctx context.Context,
	dir string,
	logName string,
	script string,
	args ...string,
) (*command.Result, error) {
	full := append([]string{filepath.Join(r.Cfg.ScriptsDir, script)}, args...)
	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: r.Cfg.Apps.Python,
		Args:    full,
		Dir:     dir,
		LogName: logName,
	})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, workererrors.ExitErrorWrap(
			result.ExitCode,
			fmt.Errorf("%s exited %d", script, result.ExitCode),
		)
	}
	return result, nil
}

// RunPDB2CRD converts the uploaded PDB into CRD/PSF form: the helper
// script emits one CHARMM deck per chain plus a meld deck, which are
// then executed in order.
func (r *Runner) RunPDB2CRD(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunPDB2CRD")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepPDB2CRD, types.StepRunning, "")

	dir := r.workDir(job)

	result, err := r.runScript(ctx, dir, "pdb2crd", "pdb2crd.py", job.PDBFile, ".")
	if err != nil {
		span.SetStatus(codes.Error, "pdb2crd script failed")
		return r.HandleError(ctx, jc, job, types.StepPDB2CRD, err)
	}

	// the script prints the generated per-chain deck names
	var decks []string
	scanner := bufio.NewScanner(bytes.NewReader(result.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasSuffix(line, ".inp") {
			decks = append(decks, line)
		}
	}
	if len(decks) == 0 {
		err = fmt.Errorf("pdb2crd.py produced no charmm decks for %s", job.PDBFile)
		span.SetStatus(codes.Error, "no decks generated")
		return r.HandleError(ctx, jc, job, types.StepPDB2CRD, err)
	}

	for _, deck := range decks {
		outFile := strings.TrimSuffix(deck, ".inp") + ".out"
		if err = r.runCharmm(ctx, dir, deck, outFile); err != nil {
			span.SetStatus(codes.Error, "per-chain conversion failed")
			return r.HandleError(ctx, jc, job, types.StepPDB2CRD, err)
		}
	}

	// meld the chains into a single CRD/PSF pair
	if err = r.runCharmm(ctx, dir, "pdb2crd_charmm_meld.inp", "pdb2crd_charmm_meld.out"); err != nil {
		span.SetStatus(codes.Error, "meld failed")
		return r.HandleError(ctx, jc, job, types.StepPDB2CRD, err)
	}

	job.CRDFile = "bilbomd_pdb2crd.crd"
	job.PSFFile = "bilbomd_pdb2crd.psf"
	if err = r.Store.Save(ctx, job); err != nil {
		span.SetStatus(codes.Error, "failed to persist converted file names")
		return r.HandleError(ctx, jc, job, types.StepPDB2CRD, err)
	}

	r.markStep(ctx, job, types.StepPDB2CRD, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "converted pdb to crd/psf")
	return nil
}

// RunPAE derives CHARMM constraints from an AlphaFold PAE matrix.
func (r *Runner) RunPAE(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunPAE")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepPAE, types.StepRunning, "")

	dir := r.workDir(job)

	_, err := r.runScript(ctx, dir, "af2pae", "pae_ratios.py", job.PAEFile, job.CRDFile)
	if err != nil {
		span.SetStatus(codes.Error, "pae_ratios script failed")
		return r.HandleError(ctx, jc, job, types.StepPAE, err)
	}

	job.ConstFile = "const.inp"
	if err = r.Store.Save(ctx, job); err != nil {
		span.SetStatus(codes.Error, "failed to persist const file name")
		return r.HandleError(ctx, jc, job, types.StepPAE, err)
	}

	r.markStep(ctx, job, types.StepPAE, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "derived constraints from pae")
	return nil
}

// RunAutoRg estimates the Rg sweep bounds from the experimental SAXS
// profile and persists them onto the job.
func (r *Runner) RunAutoRg(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunAutoRg")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepAutoRg, types.StepRunning, "")

	dir := r.workDir(job)

	result, err := r.runScript(ctx, dir, "autorg", "autorg.py", job.DataFile)
	if err != nil {
		span.SetStatus(codes.Error, "autorg script failed")
		return r.HandleError(ctx, jc, job, types.StepAutoRg, err)
	}

	var bounds struct {
		RgMin int `json:"rg_min"`
		RgMax int `json:"rg_max"`
	}
	if err = json.Unmarshal(bytes.TrimSpace(result.Stdout), &bounds); err != nil {
		span.SetStatus(codes.Error, "failed to decode autorg output")
		return r.HandleError(ctx, jc, job, types.StepAutoRg,
			fmt.Errorf("failed to decode autorg output: %w", err))
	}

	job.RgMin = bounds.RgMin
	job.RgMax = bounds.RgMax
	if err = r.Store.Save(ctx, job); err != nil {
		span.SetStatus(codes.Error, "failed to persist rg bounds")
		return r.HandleError(ctx, jc, job, types.StepAutoRg, err)
	}

	span.SetAttributes(
		attribute.Int("rgMin", bounds.RgMin),
		attribute.Int("rgMax", bounds.RgMax),
	)
	r.markStep(ctx, job, types.StepAutoRg, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "estimated rg bounds")
	return nil
}
