package main

import (
	"fmt"
	"os"

	"github.com/ignatij/conductor/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "conductor"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
