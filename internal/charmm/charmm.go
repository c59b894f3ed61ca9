// Package charmm renders CHARMM input decks from embedded templates.
package charmm

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/charmm")

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	TemplateMinimize = "minimize"
	TemplateHeat     = "heat"
	TemplateDynamics = "dynamics"
	TemplateDCD2PDB  = "dcd2pdb"
)

// Params feeds the deck templates. Not every template uses every field.
type Params struct {
	OutDir     string
	TopoDir    string
	InputFile  string
	OutputFile string
	PSFFile    string
	CRDFile    string
	ConstInp   string

	// dynamics
	RgMin      int
	RgMax      int
	Rg         int
	Timestep   float64
	ConfSample int
	Basename   string

	// dcd2pdb
	DCDFile string
	RunDir  string
}

// WriteInput renders the named deck into OutDir/InputFile.
func WriteInput(ctx context.Context, name string, params Params) error {
	_, span := tracer.Start(ctx, "charmm.WriteInput")
	defer span.End()

	span.SetAttributes(
		attribute.String("template", name),
		attribute.String("inputFile", params.InputFile),
	)

	tmpl, err := template.ParseFS(templatesFS, fmt.Sprintf("templates/%s.tmpl", name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse deck template")
		return fmt.Errorf("failed to parse deck template %q: %w", name, err)
	}

	outPath := filepath.Join(params.OutDir, params.InputFile)
	f, err := os.Create(outPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create deck file")
		return err
	}
	defer f.Close()

	if err = tmpl.Execute(f, params); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to render deck")
		return fmt.Errorf("failed to render deck %q: %w", name, err)
	}

	span.SetStatus(codes.Ok, "wrote deck")
	return nil
}
