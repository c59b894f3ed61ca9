package steps

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func pdbLine(record, chain, segid string) string {
	line := fmt.Sprintf("%-6s    1  N   ALA %s   1       0.000   0.000   0.000  1.00  0.00", record, chain)
	line = line + strings.Repeat(" ", 72-len(line))
	return line + fmt.Sprintf("%-4s", segid)
}

func TestRemediatePDB(t *testing.T) {
	t.Run("SegidBecomesChain", func(t *testing.T) {
		in := pdbLine("ATOM", " ", "PROA")
		out := string(RemediatePDB([]byte(in)))
		assert.Equal(t, byte('A'), out[21])
	})

	t.Run("HetatmRecordsRewritten", func(t *testing.T) {
		in := pdbLine("HETATM", " ", "HETB")
		out := string(RemediatePDB([]byte(in)))
		assert.Equal(t, byte('B'), out[21])
	})

	t.Run("NonAtomLinesUntouched", func(t *testing.T) {
		in := "REMARK generated by charmm\nEND"
		assert.Equal(t, in, string(RemediatePDB([]byte(in))))
	})

	t.Run("ShortLinesUntouched", func(t *testing.T) {
		in := "ATOM      1  N   ALA A   1"
		assert.Equal(t, in, string(RemediatePDB([]byte(in))))
	})
}
