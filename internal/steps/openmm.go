package steps

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

// OpenMMConfigFile is the single YAML config consumed by every OpenMM
// helper script in a job's working directory.
const OpenMMConfigFile = "openmm_config.yaml"

type openmmResidueRange struct {
	Start int `yaml:"start"`
	Stop  int `yaml:"stop"`
}

type openmmBody struct {
	Name     string             `yaml:"name"`
	ChainID  string             `yaml:"chain_id"`
	Residues openmmResidueRange `yaml:"residues"`
}

type openmmConstraints struct {
	FixedBodies []openmmBody `yaml:"fixed_bodies"`
	RigidBodies []openmmBody `yaml:"rigid_bodies"`
}

type openmmConfig struct {
	Input struct {
		Dir        string   `yaml:"dir"`
		PDBFile    string   `yaml:"pdb_file"`
		Forcefield []string `yaml:"forcefield"`
	} `yaml:"input"`
	Output struct {
		OutputDir string `yaml:"output_dir"`
		MinDir    string `yaml:"min_dir"`
		HeatDir   string `yaml:"heat_dir"`
		MDDir     string `yaml:"md_dir"`
	} `yaml:"output"`
	Steps struct {
		Minimization struct {
			Parameters struct {
				MaxIterations int `yaml:"max_iterations"`
			} `yaml:"parameters"`
			OutputPDB string `yaml:"output_pdb"`
		} `yaml:"minimization"`
		Heating struct {
			Parameters struct {
				FirstTemp  int     `yaml:"first_temp"`
				FinalTemp  int     `yaml:"final_temp"`
				TotalSteps int     `yaml:"total_steps"`
				Timestep   float64 `yaml:"timestep"`
			} `yaml:"parameters"`
			OutputPDB     string `yaml:"output_pdb"`
			OutputRestart string `yaml:"output_restart"`
		} `yaml:"heating"`
		MD struct {
			Parameters struct {
				Temperature int     `yaml:"temperature"`
				Friction    float64 `yaml:"friction"`
				NSteps      int     `yaml:"nsteps"`
				Timestep    float64 `yaml:"timestep"`
			} `yaml:"parameters"`
			Rgyr struct {
				Rgs            []int  `yaml:"rgs"`
				KRg            int    `yaml:"k_rg"`
				ReportInterval int    `yaml:"report_interval"`
				Filename       string `yaml:"filename"`
			} `yaml:"rgyr"`
			OutputPDB           string `yaml:"output_pdb"`
			OutputRestart       string `yaml:"output_restart"`
			OutputDCD           string `yaml:"output_dcd"`
			WriteSinglePDBEvery int    `yaml:"write_single_pdb_every"`
		} `yaml:"md"`
	} `yaml:"steps"`
	Constraints *openmmConstraints `yaml:"constraints,omitempty"`
}

// OpenMMRgs spaces six Rg restraint targets evenly across the sweep
// bounds, endpoints included.
func OpenMMRgs(rgMin, rgMax int) []int {
	rgs := make([]int, 6)
	for i := range rgs {
		rgs[i] = int(math.Round(float64(rgMin) + float64(i)*float64(rgMax-rgMin)/5))
	}
	return rgs
}

func buildOpenMMConfig(job *models.Job, workDir string) *openmmConfig {
	cfg := &openmmConfig{}

	cfg.Input.Dir = workDir
	cfg.Input.PDBFile = job.PDBFile
	cfg.Input.Forcefield = []string{"charmm36.xml", "implicit/hct.xml"}

	cfg.Output.OutputDir = workDir
	cfg.Output.MinDir = "minimize"
	cfg.Output.HeatDir = "heat"
	cfg.Output.MDDir = "md"

	cfg.Steps.Minimization.Parameters.MaxIterations = 1000
	cfg.Steps.Minimization.OutputPDB = "minimized.pdb"

	cfg.Steps.Heating.Parameters.FirstTemp = 300
	cfg.Steps.Heating.Parameters.FinalTemp = 600
	cfg.Steps.Heating.Parameters.TotalSteps = 10000
	cfg.Steps.Heating.Parameters.Timestep = mdTimestep
	cfg.Steps.Heating.OutputPDB = "heated.pdb"
	cfg.Steps.Heating.OutputRestart = "heated.xml"

	cfg.Steps.MD.Parameters.Temperature = 600
	cfg.Steps.MD.Parameters.Friction = 0.1
	cfg.Steps.MD.Parameters.NSteps = 100000
	cfg.Steps.MD.Parameters.Timestep = mdTimestep
	cfg.Steps.MD.Rgyr.Rgs = OpenMMRgs(job.RgMin, job.RgMax)
	cfg.Steps.MD.Rgyr.KRg = 4
	cfg.Steps.MD.Rgyr.ReportInterval = 1000
	cfg.Steps.MD.Rgyr.Filename = "rgyr.csv"
	cfg.Steps.MD.OutputPDB = "md.pdb"
	cfg.Steps.MD.OutputRestart = "md.xml"
	cfg.Steps.MD.OutputDCD = "md.dcd"
	cfg.Steps.MD.WriteSinglePDBEvery = 100

	return cfg
}

var (
	openmmDefineRe    = regexp.MustCompile(`(?i)\bdefine\s+(\w+)\s+sele\s*\(\s*resid\s+(\d+)\s*:\s*(\d+)\s*\.and\.\s*segid\s+([A-Za-z0-9_]+)\s*\)\s*end`)
	openmmConsFixRe   = regexp.MustCompile(`(?i)\bcons\s+fix\s+sele\b`)
	openmmShapeRe     = regexp.MustCompile(`(?i)\bshape\s+desc\b.*\brigid\s+sele\b`)
	openmmSeleSplitRe = regexp.MustCompile(`(?i)\s*\.or\.\s*|\s+`)
	openmmEndRe       = regexp.MustCompile(`(?i)\bend\b`)
)

type openmmDefine struct {
	start int
	stop  int
	segid string
}

// parseConstInp derives OpenMM fixed and rigid bodies from a
// CHARMM-style const.inp. Segids map to chain ids by their last
// character (PROA becomes chain A). Returns nil when the file defines
// no usable selections.
func parseConstInp(content string) *openmmConstraints {
	lines := strings.Split(content, "\n")

	defines := map[string]openmmDefine{}
	for _, line := range lines {
		m := openmmDefineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, _ := strconv.Atoi(m[2])
		stop, _ := strconv.Atoi(m[3])
		defines[strings.ToLower(m[1])] = openmmDefine{start: start, stop: stop, segid: m[4]}
	}

	fixedNames := selectionNames(lines, openmmConsFixRe, `(?i)\bsele\b`, defines)
	rigidNames := selectionNames(lines, openmmShapeRe, `(?i)\brigid\s+sele\b`, defines)

	if len(fixedNames) == 0 && len(rigidNames) == 0 {
		return nil
	}

	constraints := &openmmConstraints{}
	for i, name := range fixedNames {
		constraints.FixedBodies = append(constraints.FixedBodies,
			bodyFromDefine(fmt.Sprintf("FixedBody%d", i+1), defines[name]))
	}
	for i, name := range rigidNames {
		constraints.RigidBodies = append(constraints.RigidBodies,
			bodyFromDefine(fmt.Sprintf("RigidBody%d", i+1), defines[name]))
	}
	return constraints
}

func bodyFromDefine(name string, def openmmDefine) openmmBody {
	return openmmBody{
		Name:     name,
		ChainID:  def.segid[len(def.segid)-1:],
		Residues: openmmResidueRange{Start: def.start, Stop: def.stop},
	}
}

// selectionNames finds statements matching startRe, gathers their
// continuation lines up to the closing "end", and returns the define
// names referenced after the selector.
func selectionNames(
	lines []string,
	startRe *regexp.Regexp,
	selector string,
	defines map[string]openmmDefine,
) []string {
	selectorRe := regexp.MustCompile(selector)

	var names []string
	for i := 0; i < len(lines); i++ {
		if !startRe.MatchString(lines[i]) {
			continue
		}

		buf := lines[i]
		for j := i + 1; !openmmEndRe.MatchString(buf) && j < len(lines); j++ {
			buf += " " + lines[j]
			i = j
		}

		loc := selectorRe.FindStringIndex(buf)
		if loc == nil {
			continue
		}
		afterSele := openmmEndRe.ReplaceAllString(buf[loc[1]:], "")
		for _, token := range openmmSeleSplitRe.Split(afterSele, -1) {
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			if _, ok := defines[token]; ok {
				names = append(names, token)
			}
		}
	}
	return names
}

func (r *Runner) writeOpenMMConfigFile(job *models.Job, dir string) error {
	cfg := buildOpenMMConfig(job, dir)

	if job.ConstFile != "" {
		raw, err := os.ReadFile(filepath.Join(dir, job.ConstFile))
		if err == nil {
			cfg.Constraints = parseConstInp(string(raw))
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize openmm config: %w", err)
	}

	// write then rename so the helper scripts never see a partial file
	target := filepath.Join(dir, OpenMMConfigFile)
	tmp := target + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// WriteOpenMMConfig renders the shared YAML config the OpenMM helper
// scripts read. Replaces the pdb2crd conversion when the job's engine
// is OpenMM.
func (r *Runner) WriteOpenMMConfig(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.WriteOpenMMConfig")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepOpenMMCfg, types.StepRunning, "")

	if err := r.writeOpenMMConfigFile(job, r.workDir(job)); err != nil {
		span.SetStatus(codes.Error, "failed to write openmm config")
		return r.HandleError(ctx, jc, job, types.StepOpenMMCfg, err)
	}

	r.markStep(ctx, job, types.StepOpenMMCfg, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "wrote openmm config")
	return nil
}

// runOpenMMScript executes one OpenMM helper against the shared config,
// writing the config first if an earlier step has not.
func (r *Runner) runOpenMMScript(
	ctx context.Context,
	job *models.Job,
	logName string,
	script string,
	env []string,
) error {
	dir := r.workDir(job)

	if _, err := os.Stat(filepath.Join(dir, OpenMMConfigFile)); err != nil {
		if err = r.writeOpenMMConfigFile(job, dir); err != nil {
			return err
		}
	}

	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: r.Cfg.Apps.Python,
		Args: []string{
			filepath.Join(r.Cfg.ScriptsDir, "openmm", script),
			OpenMMConfigFile,
		},
		Dir:     dir,
		LogName: logName,
		Env:     env,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return workererrors.ExitErrorWrap(
			result.ExitCode,
			fmt.Errorf("%s exited %d", script, result.ExitCode),
		)
	}
	return nil
}

func (r *Runner) RunOpenMMMinimize(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunOpenMMMinimize")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepMinimize, types.StepRunning, "")

	if err := r.runOpenMMScript(ctx, job, "openmm_minimize", "minimize.py", nil); err != nil {
		span.SetStatus(codes.Error, "openmm minimize failed")
		return r.HandleError(ctx, jc, job, types.StepMinimize, err)
	}

	r.markStep(ctx, job, types.StepMinimize, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "minimized")
	return nil
}

func (r *Runner) RunOpenMMHeat(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunOpenMMHeat")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepHeat, types.StepRunning, "")

	if err := r.runOpenMMScript(ctx, job, "openmm_heat", "heat.py", nil); err != nil {
		span.SetStatus(codes.Error, "openmm heat failed")
		return r.HandleError(ctx, jc, job, types.StepHeat, err)
	}

	r.markStep(ctx, job, types.StepHeat, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "heated")
	return nil
}

// RunOpenMMMD launches one md.py per Rg restraint target, all in
// parallel. The target reaches the script through the OMM_RG
// environment variable.
func (r *Runner) RunOpenMMMD(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunOpenMMMD")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepMD, types.StepRunning, "")

	rgs := OpenMMRgs(job.RgMin, job.RgMax)
	span.SetAttributes(attribute.IntSlice("rgValues", rgs))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, rg := range rgs {
		group.Go(func() error {
			return r.runOpenMMScript(groupCtx, job,
				fmt.Sprintf("openmm_md_rg%d", rg),
				"md.py",
				[]string{fmt.Sprintf("OMM_RG=%d", rg)},
			)
		})
	}

	if err := group.Wait(); err != nil {
		span.SetStatus(codes.Error, "openmm md failed")
		return r.HandleError(ctx, jc, job, types.StepMD, err)
	}

	r.markStep(ctx, job, types.StepMD, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "openmm md complete")
	return nil
}
