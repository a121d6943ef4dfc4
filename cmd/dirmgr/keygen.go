package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/dirmgr/internal/crypto"
)

func newKeygenCommand(stdout io.Writer) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate a storage encryption key",
		Long: `
Writes a new random AES-256 key in hex form to path. Point storage.keyFile
at it to encrypt the journal and dumps. Records written before the key was
configured stay readable; the next dump rewrites them encrypted.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			raw, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveKey(raw, path); err != nil {
				return err
			}
			key, err := crypto.NewKey(raw)
			if err != nil {
				return err
			}
			key.Clear()
			fmt.Fprintf(stdout, "Key written: %s\n", path)
			fmt.Fprintf(stdout, "  ID: %016x\n", key.ID())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	return cmd
}
