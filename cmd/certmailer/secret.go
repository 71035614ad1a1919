package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/certmailer/internal/config"
	"github.com/foxzi/certmailer/internal/secret"
)

var secretKey string

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage sealed configuration values",
}

var secretKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new secrets key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secret.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var secretSealCmd = &cobra.Command{
	Use:   "seal [value]",
	Short: "Seal a value for use in the config file",
	Long: `Seal a value for use in the config file. The value is read from stdin when
no argument is given. The key comes from --key or ` + config.EnvPrefix + `SECRETS_KEY.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSecretSeal,
}

func init() {
	secretSealCmd.Flags().StringVar(&secretKey, "key", "", "secrets key (base64)")

	secretCmd.AddCommand(secretKeygenCmd, secretSealCmd)
	rootCmd.AddCommand(secretCmd)
}

func runSecretSeal(cmd *cobra.Command, args []string) error {
	key := secretKey
	if key == "" {
		key = os.Getenv(config.EnvPrefix + "SECRETS_KEY")
	}
	if key == "" {
		return errors.New("secrets key is required (use --key or " + config.EnvPrefix + "SECRETS_KEY)")
	}

	box, err := secret.NewBox(key)
	if err != nil {
		return err
	}

	var value string
	if len(args) == 1 {
		value = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return errors.New("value must not be empty")
	}

	sealed, err := box.Seal(value)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sealed)
	return nil
}
