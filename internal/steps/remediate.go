package steps

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

// RemediatePDB rewrites the chain identifier of each ATOM/HETATM record
// from the trailing character of its segid, which CHARMM emits but
// downstream tools ignore. Lines too short to carry a segid pass
// through unchanged.
func RemediatePDB(content []byte) []byte {
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "ATOM") && !strings.HasPrefix(line, "HETATM") {
			continue
		}
		if len(line) < 76 {
			continue
		}

		segid := strings.TrimSpace(line[72:76])
		if segid == "" {
			continue
		}

		chain := segid[len(segid)-1]
		lines[i] = line[:21] + string(chain) + line[22:]
	}
	return []byte(strings.Join(lines, "\n"))
}

// RunRemediate fixes up every extracted frame so FoXS and MultiFoXS see
// well-formed chain identifiers.
func (r *Runner) RunRemediate(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunRemediate")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepRemediate, types.StepRunning, "")

	dir := r.workDir(job)

	matches, err := filepath.Glob(filepath.Join(dir, "foxs", "*", "*.pdb"))
	if err != nil {
		span.SetStatus(codes.Error, "failed to enumerate frames")
		return r.HandleError(ctx, jc, job, types.StepRemediate, err)
	}
	span.SetAttributes(attribute.Int("frames", len(matches)))

	for _, match := range matches {
		content, err := os.ReadFile(match)
		if err != nil {
			span.SetStatus(codes.Error, "failed to read frame")
			return r.HandleError(ctx, jc, job, types.StepRemediate, err)
		}
		if err = os.WriteFile(match, RemediatePDB(content), 0o644); err != nil {
			span.SetStatus(codes.Error, "failed to write remediated frame")
			return r.HandleError(ctx, jc, job, types.StepRemediate, err)
		}
	}

	r.markStep(ctx, job, types.StepRemediate, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "remediated frames")
	return nil
}
