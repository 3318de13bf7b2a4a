package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"ransomeye/pkg/auth"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage ed25519 signing keys"}

	var outPriv, outPub string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Write a PEM key pair and print its key id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privPEM, err := auth.MarshalPrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			pubPEM, err := auth.MarshalPublicKeyPEM(pub)
			if err != nil {
				return err
			}
			if err := writeNew(outPriv, privPEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := writeNew(outPub, pubPEM, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			kid, err := auth.KeyID(pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kid=%s private=%s public=%s\n", kid, outPriv, outPub)
			return nil
		},
	}
	generate.Flags().StringVar(&outPriv, "out-private", "signing.key", "private key output")
	generate.Flags().StringVar(&outPub, "out-public", "signing.pub", "public key output")

	id := &cobra.Command{
		Use:   "id <public.pem>",
		Short: "Print the key id of a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := auth.LoadPublicKeyFile(args[0], "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.Kid)
			return nil
		},
	}

	keys.AddCommand(generate, id)
	return keys
}

// writeNew refuses to overwrite existing key material.
func writeNew(path string, data []byte, perm os.FileMode) error {
	path = filepath.Clean(path)
	// #nosec G304 -- operator supplied output path.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
