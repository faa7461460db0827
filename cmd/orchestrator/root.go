// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/config"
)

type rootFlags struct {
	configPath string
	profile    string
	set        []string
	json       bool
}

func (f *rootFlags) options() config.Options {
	return config.Options{Path: f.configPath, Profile: f.profile, Set: f.set}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Gated autonomous action execution",
		Long:          "Plans goals into actions, scores their risk, gates them behind approvals,\ndry-runs and applies them through tools, and rolls back on failure.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&flags.profile, "profile", "", "Profile overlay (config.<profile>.yaml beside --config)")
	cmd.PersistentFlags().StringArrayVar(&flags.set, "set", nil, "Override a configuration key (key=value, repeatable)")
	cmd.PersistentFlags().BoolVar(&flags.json, "json", false, "Output in JSON format")

	cmd.AddCommand(newPlanCmd(flags))
	cmd.AddCommand(newSubmitCmd(flags))
	cmd.AddCommand(newApproveCmd(flags))
	cmd.AddCommand(newRollbackCmd(flags))
	cmd.AddCommand(newExecutionsCmd(flags))
	cmd.AddCommand(newToolsCmd(flags))
	cmd.AddCommand(newBreakerCmd(flags))
	cmd.AddCommand(newSecretCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newVersionCmd(flags))

	return cmd
}

// withApp loads configuration, builds the app and hands it to fn.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadWith(flags.options())
	if err != nil {
		return newCommandError(cmd.Name(), "loading configuration", err, "Check --config, --profile, --set and ORCH_ variables.")
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return newCommandError(cmd.Name(), "initializing", err, "")
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.log.Warn("orchestrator.close.failed", "error", cerr.Error())
		}
	}()
	return fn(ctx, a)
}
