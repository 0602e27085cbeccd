package cmd

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/spf13/cobra"
)

var exitCodesCmd = &cobra.Command{
	Use:   "exit-codes",
	Short: "List worker exit codes",
	Run: func(cmd *cobra.Command, args []string) {
		if outputFormat != "table" {
			codes := make(map[string]int)
			for _, c := range models.ExitCodes() {
				codes[models.ExitCodeName(c)] = c
			}
			writeStructured(os.Stdout, codes)
			return
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Code", "Meaning")
		for _, c := range models.ExitCodes() {
			table.Append(strconv.Itoa(c), models.ExitCodeName(c))
		}
		table.Render()
	},
}

func init() {
	rootCmd.AddCommand(exitCodesCmd)
}
