package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-attach/internal/artifact"
)

func newPayloadPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "payload-path",
		Short: "Print the location of the extracted agent payload",
		Long: `Extract the bundled agent payload if needed and print its path.

The file is shared by every coral-attach process of the same user and payload
version. A file whose content does not match the bundled payload is reported
and left in place for inspection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := a.payloadResolver()
			if err != nil {
				return err
			}

			h, err := resolver.Resolve()
			if errors.Is(err, artifact.ErrNoArtifact) {
				return fmt.Errorf("%w in this build", err)
			}
			if err != nil {
				return err
			}

			cmd.Println(h.Path)
			return nil
		},
	}
}
