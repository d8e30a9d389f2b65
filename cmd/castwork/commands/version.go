package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSONOrText(struct {
				buildInfo
				GoVersion string `json:"go_version"`
			}{info, runtime.Version()}, func() {
				fmt.Printf("castwork %s\n", info.Version)
				fmt.Printf("  commit:     %s\n", info.Commit)
				fmt.Printf("  built:      %s\n", info.BuildDate)
				fmt.Printf("  go version: %s\n", runtime.Version())
			})
		},
	}
}
