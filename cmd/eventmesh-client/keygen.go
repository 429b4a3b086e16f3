package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
)

func newKeygenCommand() *cobra.Command {
	var groupKey bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair or a group key",
		Long: `Generate a client key pair for receiving group keys, or with --group a symmetric
group key. Keys are printed hex-encoded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if groupKey {
				key, err := protocol.GenerateGroupKey(timeNow())
				if err != nil {
					return fmt.Errorf("failed to generate group key: %w", err)
				}
				fmt.Fprintf(out, "Group key ID: %s\n", key.ID())
				fmt.Fprintf(out, "Material: %s\n", hex.EncodeToString(key.Material()))
				return nil
			}

			kp, err := encryption.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("failed to generate key pair: %w", err)
			}
			fmt.Fprintf(out, "Public key: %s\n", kp.PublicKeyHex())
			return nil
		},
	}

	cmd.Flags().BoolVar(&groupKey, "group", false, "Generate a symmetric group key instead of a key pair")
	return cmd
}
