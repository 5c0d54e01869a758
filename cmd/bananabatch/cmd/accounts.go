package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"bananabatch/pkg/credential"
)

// accountsCmd lists the configured API keys
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List configured API keys",
	Long:  `Show every configured API key, masked, with its initial pool state.`,
	RunE:  runAccounts,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	keys := apiKeys()
	if len(keys) == 0 {
		return fmt.Errorf("no API key configured: set BANANA_API_KEY or api_key in the config file")
	}

	pool, err := credential.NewPool(keys, credential.DefaultConfig(), newLogger())
	if err != nil {
		return err
	}
	infos := pool.Snapshot()

	if IsJSONOutput() {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal accounts: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Key", "State", "Failures")
	for i, info := range infos {
		table.Append(
			fmt.Sprintf("%d", i+1),
			info.Masked,
			string(info.State),
			fmt.Sprintf("%d", info.Failures),
		)
	}
	table.Render()
	fmt.Printf("\nTotal accounts: %d\n", len(infos))
	return nil
}
