package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/DeclanJeon/ponslink-signal/config"
	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/spf13/cobra"
)

// newCredentialCmd builds the offline credential tools. They only need the
// shared secret, never the store.
func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Issue or verify relay credentials offline",
	}

	var userID, roomID string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Derive a relay credential for a user and room",
		RunE: func(_ *cobra.Command, _ []string) error {
			gen, cfg, err := loadGenerator()
			if err != nil {
				return err
			}
			cred, err := gen.Generate(userID, roomID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"credential": cred,
				"iceServers": cfg.ICEServers(cred.Username, cred.Password),
			})
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "user id")
	issue.Flags().StringVar(&roomID, "room", "unassigned", "room id")
	_ = issue.MarkFlagRequired("user")

	verify := &cobra.Command{
		Use:   "verify <username> <password>",
		Short: "Check a relay username/password pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			gen, _, err := loadGenerator()
			if err != nil {
				return err
			}
			if !gen.Verify(args[0], args[1]) {
				return errors.New("credential is invalid or expired")
			}
			expiry, user, room, _ := credential.ParseUsername(args[0])
			fmt.Printf("valid: user=%s room=%s expires=%d\n", user, room, expiry)
			return nil
		},
	}

	cmd.AddCommand(issue, verify)
	return cmd
}

func loadGenerator() (*credential.Generator, credential.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, credential.Config{}, err
	}
	if cfg.Credential.Secret == "" {
		return nil, credential.Config{}, errors.New("TURN_SECRET is not configured")
	}
	gen, err := credential.NewGenerator(cfg.Credential)
	if err != nil {
		return nil, credential.Config{}, err
	}
	return gen, cfg.Credential, nil
}
