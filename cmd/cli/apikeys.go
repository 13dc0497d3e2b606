package cli

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/tracex/internal/auth"
	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/errors"
)

var apiKeyWrite string

// apiKeysCmd represents the apikeys command group.
var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys"},
	Short:   "Create API keys for the API server",
	Long: `The API server accepts one key, stored in the config as a bcrypt hash
(api.api_key_hash). Clients send the key in the X-API-Key header, as a
Bearer token, or as the api_key query parameter on the websocket.`,
}

var apiKeysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its hash",
	Example: `  tracex apikeys generate
  tracex apikeys generate --write tracex.yaml`,
	Args: cobra.NoArgs,
	RunE: runAPIKeyGenerate,
}

var apiKeysHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print the bcrypt hash of an existing key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !auth.IsValidAPIKeyFormat(args[0]) {
			return errors.NewScanError(errors.CodeValidation, "API key must look like tx_<random>")
		}
		hash, err := auth.HashAPIKey(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
		return err
	},
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysGenerateCmd, apiKeysHashCmd)
	apiKeysGenerateCmd.Flags().StringVar(&apiKeyWrite, "write", "", "store the hash in this config file")
}

func runAPIKeyGenerate(cmd *cobra.Command, _ []string) error {
	if err := checkOutputFormat(); err != nil {
		return err
	}
	gen, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	if apiKeyWrite != "" {
		cfg, err := config.Load(apiKeyWrite)
		if err != nil {
			return err
		}
		cfg.API.APIKeyHash = gen.Hash
		if err := cfg.Save(apiKeyWrite); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if outputFormat == formatJSON {
		return printJSON(out, gen)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	_ = table.Append([]string{"Key", gen.Key})
	_ = table.Append([]string{"Prefix", gen.DisplayPrefix})
	_ = table.Append([]string{"Hash", gen.Hash})
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nThe key is shown only once. Store it now.")
	if apiKeyWrite != "" {
		fmt.Fprintf(out, "Hash written to %s (api.api_key_hash).\n", apiKeyWrite)
	} else {
		fmt.Fprintln(out, "Set api.api_key_hash to the hash above, or TRACEX_API_API_KEY_HASH.")
	}
	return nil
}
