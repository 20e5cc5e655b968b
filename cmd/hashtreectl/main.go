// Command hashtreectl is the operator CLI for the tree engine, in the
// teacher's cobra-root-command idiom (internal cli.Execute's
// rootCmd/Execute pattern), with cobra's default help and --version
// flag plus the store-facing operations spec §4 exposes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree/internal/colors"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "hashtreectl",
	Short: "hashtreectl manages a content-addressed tree store",
	Long:  "hashtreectl builds, reads, and publishes content-addressed merkle trees over a layered blob store.",
}

func main() {
	rootCmd.AddCommand(
		newInitCmd(),
		newPutCmd(),
		newGetCmd(),
		newLsCmd(),
		newVerifyCmd(),
		newResolveCmd(),
		newPublishCmd(),
		newConfigCmd(),
	)
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colors.ErrorText(err.Error()))
		os.Exit(1)
	}
}
