package agentserver

import (
	"github.com/spf13/cobra"

	"github.com/craftide/sso-agent/internal/business"
	"github.com/craftide/sso-agent/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"serve",
		"SSO Agent daemon",
		"SSO Agent daemon restores the persisted session and serves the auth endpoints for the IDE front end",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
