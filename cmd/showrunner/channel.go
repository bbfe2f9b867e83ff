package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/showrunner/pkg/audit"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/security"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channels",
}

var channelRegisterCmd = &cobra.Command{
	Use:   "register <channel-id>",
	Short: "Store encrypted credentials for a channel",
	Long: `Encrypt and store a channel's credentials. The channel itself is
declared in the channel configuration directory; this command only loads its
secrets into the vault. Each flag names a file whose contents become the
credential; omitted kinds are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID := args[0]
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		vault, err := security.NewVaultFromEnv(store)
		if err != nil {
			return err
		}
		ctx := context.Background()

		kinds := map[types.CredentialKind]string{
			types.CredentialPlanningToken:      mustFlag(cmd, "planning-token-file"),
			types.CredentialUploadRefreshToken: mustFlag(cmd, "upload-token-file"),
			types.CredentialModelProviderKey:   mustFlag(cmd, "model-key-file"),
		}
		stored := 0
		for kind, path := range kinds {
			if path == "" {
				continue
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			if err := vault.PutCredential(ctx, channelID, kind, raw); err != nil {
				return err
			}
			fmt.Printf("stored %s for %s\n", kind, channelID)
			stored++
		}
		if stored == 0 {
			return fmt.Errorf("no credential files given, nothing to store")
		}

		audit.NewRecorder(store).ChannelRegistered(ctx, channelID, "cli")
		return nil
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		channels, err := store.ListChannels(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tACTIVE\tWEIGHT\tMAX\tPRIVACY\tUPLOAD UNITS")
		for _, ch := range channels {
			fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\t%s\t%d\n",
				ch.ID, ch.Name, ch.Active, ch.PriorityWeight,
				ch.MaxConcurrent, ch.UploadPrivacy, ch.DailyUploadUnits)
		}
		return w.Flush()
	},
}

func init() {
	channelRegisterCmd.Flags().String("planning-token-file", "", "File holding the planning integration token")
	channelRegisterCmd.Flags().String("upload-token-file", "", "File holding the upload OAuth credential JSON")
	channelRegisterCmd.Flags().String("model-key-file", "", "File holding the model provider API key")

	for _, c := range []*cobra.Command{channelRegisterCmd, channelListCmd} {
		c.Flags().String("db-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	}

	channelCmd.AddCommand(channelRegisterCmd)
	channelCmd.AddCommand(channelListCmd)
}

func openStore(cmd *cobra.Command) (*storage.Store, error) {
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: false})
	dsn, _ := cmd.Flags().GetString("db-url")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	return storage.Open(storage.Config{DSN: dsn})
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
