package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/identity-provider/internal/business"
	"github.com/openkcm/identity-provider/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Identity Provider API server",
		"Identity Provider API server hosts the public OAuth2 and WebAuthn http API and a gRPC health endpoint",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
