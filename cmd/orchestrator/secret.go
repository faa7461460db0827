// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/credentials"
)

// secretReport deliberately carries no value.
type secretReport struct {
	KeyHash   string             `json:"key_hash"`
	Source    credentials.Source `json:"source"`
	Origin    credentials.Source `json:"origin,omitempty"`
	FetchedAt time.Time          `json:"fetched_at"`
	TTL       time.Duration      `json:"ttl"`
	ExpiresAt time.Time          `json:"expires_at,omitzero"`
}

func newSecretCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Check credential resolution",
	}

	var ttl time.Duration
	resolve := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a secret through the provider chain and report where it came from",
		Long:  "Prints the hashed name and the provider that supplied the secret. The value is never printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var opts []time.Duration
				if ttl > 0 {
					opts = append(opts, ttl)
				}
				res, err := a.secrets.GetSecret(ctx, args[0], opts...)
				if err != nil {
					return newCommandError("resolve secret", "resolving "+credentials.KeyHash(args[0]), err, hintFor(err))
				}
				report := secretReport{
					KeyHash:   credentials.KeyHash(args[0]),
					Source:    res.Source,
					Origin:    res.Origin,
					FetchedAt: res.FetchedAt,
					TTL:       res.TTL,
					ExpiresAt: res.ExpiresAt,
				}
				out := cmd.OutOrStdout()
				if flags.json {
					return writeJSON(out, report)
				}
				fmt.Fprintf(out, "Secret %s resolved from %s (ttl %s)\n", report.KeyHash, report.Source, report.TTL)
				if !report.ExpiresAt.IsZero() {
					fmt.Fprintf(out, "  expires at %s\n", report.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	resolve.Flags().DurationVar(&ttl, "ttl", 0, "Cache TTL override")
	cmd.AddCommand(resolve)
	return cmd
}
