// Package authcmd holds the interactive verbs: login, logout, status and
// refresh. They run against the same store the daemon uses.
package authcmd

import (
	"github.com/spf13/cobra"

	"github.com/craftide/sso-agent/internal/business"
	"github.com/craftide/sso-agent/internal/cmdutils"
)

func LoginCmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"login",
		"Sign in through the identity provider",
		"Sign in through the identity provider: opens the system browser and waits for the callback",
		buildInfo,
		cmdutils.RunAsJob,
		business.LoginMain,
	)
}

func LogoutCmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"logout",
		"Sign out and clear the stored session",
		"Sign out and clear the stored session, notifying the provider's end-session endpoint",
		buildInfo,
		cmdutils.RunAsJob,
		business.LogoutMain,
	)
}

func StatusCmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"status",
		"Show the stored session",
		"Show the stored session as JSON: authenticated flag, user profile and expiry",
		buildInfo,
		cmdutils.RunAsJob,
		business.StatusMain,
	)
}

func RefreshCmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"refresh",
		"Refresh the stored session's tokens",
		"Refresh the stored session's tokens against the identity provider",
		buildInfo,
		cmdutils.RunAsJob,
		business.RefreshMain,
	)
}
