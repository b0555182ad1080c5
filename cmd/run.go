package cmd

import (
	"log"

	"github.com/arcward/doorman/doorman"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Doorman bot and status API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := doorman.New(cfg)
			if err != nil {
				log.Fatalf("error creating doorman: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running doorman: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
