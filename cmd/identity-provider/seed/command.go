package seed

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openkcm/identity-provider/internal/business"
	"github.com/openkcm/identity-provider/internal/cmdutils"
	"github.com/openkcm/identity-provider/internal/config"
)

func Cmd(buildInfo string) *cobra.Command {
	var file string

	cmd := cmdutils.CobraCommand(
		"seed",
		"Identity Provider seed data",
		"Creates the users and OAuth clients listed in a YAML seed file. Existing entries are kept.",
		buildInfo,
		cmdutils.RunAsJob,
		func(ctx context.Context, cfg *config.Config) error {
			return business.SeedMain(ctx, cfg, file)
		},
	)
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "path of the seed file")

	return cmd
}
