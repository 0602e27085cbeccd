package cmd

import (
	"fmt"
	"os"

	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/spf13/cobra"
)

var (
	executeArtifact   string
	executeChecksum   string
	executeInput      string
	executeEntryPoint string
	executeMaxOutput  uint32
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run a prepared artifact against an input",
	Long: `Spawns an execute worker, verifies the artifact against --checksum, and
calls its entry point with the contents of --input. The result bytes are
printed in the outcome.`,
	RunE: runExecute,
}

func init() {
	rootCmd.AddCommand(executeCmd)

	executeCmd.Flags().StringVar(&executeArtifact, "artifact", "", "artifact path printed by prepare (required)")
	executeCmd.Flags().StringVar(&executeChecksum, "checksum", "", "artifact checksum in hex (required)")
	executeCmd.Flags().StringVar(&executeInput, "input", "", "input file, empty for no input")
	executeCmd.Flags().StringVar(&executeEntryPoint, "entry-point", models.DefaultEntryPoint, "exported function to call")
	executeCmd.Flags().Uint32Var(&executeMaxOutput, "max-output", 0, "result size limit in bytes")
	executeCmd.MarkFlagRequired("artifact")
	executeCmd.MarkFlagRequired("checksum")
}

func runExecute(cmd *cobra.Command, args []string) error {
	sum, err := models.ParseChecksum(executeChecksum)
	if err != nil {
		return err
	}

	var input []byte
	if executeInput != "" {
		if input, err = os.ReadFile(executeInput); err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}

	job := &models.JobRequest{
		Kind: models.JobKindExecute,
		Execute: &models.ExecuteJob{
			Artifact: models.ArtifactHandle{Path: executeArtifact, Checksum: sum},
			Params: models.ExecuteParams{
				EntryPoint:     executeEntryPoint,
				MaxOutputBytes: executeMaxOutput,
			},
			Input: input,
		},
	}

	outcome, events, err := runJob(cmd.Context(), "execute", job)
	if err != nil {
		return err
	}
	return printOutcome(os.Stdout, outcome, events)
}
