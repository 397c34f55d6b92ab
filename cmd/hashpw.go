package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tasknest/internal/auth"
)

// hashpwCmd produces a bcrypt hash suitable for the credentials file.
var hashpwCmd = &cobra.Command{
	Use:   "hashpw <password>",
	Short: "Hash a password for the credentials file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashpwCmd)
}
