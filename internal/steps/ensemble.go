package steps

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	numStatesRe = regexp.MustCompile(`number_of_states (\d+)`)
	pdbDatRe    = regexp.MustCompile(`(/[^|]+\.pdb\.dat)`)
	trailingEnd = regexp.MustCompile(`\bEND\n?$`)
)

// NumEnsembles reads the MultiFoXS log and returns the largest
// number_of_states it reports, which bounds how many ensemble model
// files to assemble. Zero when the log reports none.
func NumEnsembles(logContent string) int {
	max := 0
	for _, match := range numStatesRe.FindAllStringSubmatch(logContent, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// ExtractPDBPaths pulls the scored model paths out of an
// ensembles_size file, mapping each profile (.pdb.dat) back to the
// PDB it was computed from.
func ExtractPDBPaths(content string) []string {
	var paths []string
	for _, line := range strings.Split(content, "\n") {
		if !strings.Contains(line, ".pdb.dat") {
			continue
		}
		match := pdbDatRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		paths = append(paths, strings.TrimSuffix(match[1], ".dat"))
	}
	return paths
}

// ConcatenateEnsemble joins the given PDB files into a multi-model
// ensemble file in resultsDir. Each member becomes a MODEL block and
// its trailing END record is rewritten to ENDMDL.
func ConcatenateEnsemble(pdbFiles []string, ensembleSize int, resultsDir string) error {
	var parts []string
	for i, file := range pdbFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read ensemble member %s: %w", file, err)
		}

		body := trailingEnd.ReplaceAllString(string(content), "ENDMDL")
		parts = append(parts, fmt.Sprintf("MODEL       %d", i+1))
		parts = append(parts, body)
	}

	outFile := filepath.Join(resultsDir, fmt.Sprintf("ensemble_size_%d_model.pdb", ensembleSize))
	return os.WriteFile(outFile, []byte(strings.Join(parts, "\n")), 0o644)
}
