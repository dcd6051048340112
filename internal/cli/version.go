package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/coral-attach/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()

			switch format {
			case "text":
				cmd.Printf("coral-attach version %s\n", info.Version)
				cmd.Printf("Git commit: %s\n", info.GitCommit)
				cmd.Printf("Build date: %s\n", info.BuildDate)
				cmd.Printf("Go version: %s\n", info.GoVersion)
				cmd.Printf("Platform: %s\n", info.Platform)
				return nil
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "yaml":
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(info); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unsupported format %q, must be one of: text, json, yaml", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "text", "Output format (text, json, yaml)")
	_ = cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}
