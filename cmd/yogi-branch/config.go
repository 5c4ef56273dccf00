package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"yogi-branch/pkg/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "load and validate the branch configuration without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			rc, err := resolve(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("branch %q on network %q, path %s, advertising on %s\n",
				rc.branchCfg.Name, rc.branchCfg.NetworkName, rc.branchCfg.Path, rc.advGroup)
			return nil
		},
	})
	return cmd
}
