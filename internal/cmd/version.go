package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/evalwatch/internal/server/handlers"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := handlers.NewVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		out := cmd.OutOrStdout()

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		_, _ = fmt.Fprintf(out, "evalwatch %s\n", info.Version)
		_, _ = fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
		_, _ = fmt.Fprintf(out, "  built:      %s\n", info.BuildDate)
		_, _ = fmt.Fprintf(out, "  go:         %s\n", info.GoVersion)
		if info.Gofulmen != "" {
			_, _ = fmt.Fprintf(out, "  gofulmen:   %s\n", info.Gofulmen)
		}
		if info.Crucible != "" {
			_, _ = fmt.Fprintf(out, "  crucible:   %s\n", info.Crucible)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
