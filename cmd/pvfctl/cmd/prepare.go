package cmd

import (
	"fmt"
	"os"

	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/spf13/cobra"
)

var (
	prepareCode     string
	prepareDir      string
	prepareMaxPages uint32
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Compile validation code into an artifact",
	Long: `Spawns a prepare worker and compiles the WebAssembly module in --code.
On success the artifact path and checksum are printed; pass both to
'pvfctl execute'.`,
	RunE: runPrepare,
}

func init() {
	rootCmd.AddCommand(prepareCmd)

	prepareCmd.Flags().StringVar(&prepareCode, "code", "", "WebAssembly module to compile (required)")
	prepareCmd.Flags().StringVar(&prepareDir, "artifact-dir", "", "directory for the artifact (required)")
	prepareCmd.Flags().Uint32Var(&prepareMaxPages, "max-memory-pages", 0, "linear memory ceiling in 64KiB pages")
	prepareCmd.MarkFlagRequired("code")
	prepareCmd.MarkFlagRequired("artifact-dir")
}

func runPrepare(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(prepareCode)
	if err != nil {
		return fmt.Errorf("failed to read code: %w", err)
	}
	if err := os.MkdirAll(prepareDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	job := &models.JobRequest{
		Kind: models.JobKindPrepare,
		Prepare: &models.PrepareJob{
			Code:        code,
			Params:      models.PrepareParams{MaxMemoryPages: prepareMaxPages},
			ArtifactDir: prepareDir,
		},
	}

	outcome, events, err := runJob(cmd.Context(), "prepare", job)
	if err != nil {
		return err
	}
	return printOutcome(os.Stdout, outcome, events)
}
