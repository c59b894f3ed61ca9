package cmds

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/cmd/worker/cmds")

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "BilboMD pipeline worker",
	Long:  "Consumes BilboMD jobs from the queue and runs the CHARMM/FoXS/MultiFoXS pipelines, locally or delegated to NERSC.",
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
