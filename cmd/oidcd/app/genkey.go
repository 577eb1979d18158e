// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stacklok/oidcd/pkg/authserver/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
)

func newGenKeyCmd() *cobra.Command {
	genKeyCmd := &cobra.Command{
		Use:   "genkey <file>",
		Short: "Generate a PEM signing key for use with serve --key-file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenKey,
	}
	genKeyCmd.Flags().String("algorithm", keys.DefaultAlgorithm, "Signing algorithm (RS256, ES256, ES384, ES512)")
	return genKeyCmd
}

func runGenKey(cmd *cobra.Command, args []string) error {
	algorithm, err := cmd.Flags().GetString("algorithm")
	if err != nil {
		return err
	}

	signer, err := keys.GeneratePrivateKey(algorithm)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	pemBytes, err := crypto.EncodeSigningKeyPEM(signer)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.WriteFile(args[0], pemBytes, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	kid, err := crypto.DeriveKeyID(signer)
	if err != nil {
		return fmt.Errorf("failed to derive key id: %w", err)
	}
	cmd.Printf("wrote %s key %s to %s\n", algorithm, kid, args[0])
	return nil
}
