package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/arna-oss/poolcore/internal/accounts"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "accounts database maintenance",
}

var accountsHashCmd = &cobra.Command{
	Use:   "hash <password>",
	Short: "hash a password with bcrypt for use in the accounts config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("accounts hash: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	},
}

var accountsTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "generate a random token suitable for a service-account secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := accounts.GenerateToken(32)
		if err != nil {
			return fmt.Errorf("accounts token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsHashCmd)
	accountsCmd.AddCommand(accountsTokenCmd)
}
