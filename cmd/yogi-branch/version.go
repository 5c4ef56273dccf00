package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"yogi-branch/pkg/config"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the yogi-branch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("yogi-branch", config.Version)
		},
	}
}
