// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package commands implements the lodpecho CLI: a keygen utility plus a
// demo echo server and client speaking LODP over UDP.
package commands

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gvsurenderreddy/lodp"
)

var verbose bool

func Execute() error {
	root := &cobra.Command{
		Use:   "lodpecho",
		Short: "LODP demo echo server and client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
				&slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(keygenCmd(), serverCmd(), clientCmd())
	return root.Execute()
}

// parseIntroKeys decodes a hex MAC||bulk introduction key pair.
func parseIntroKeys(s string) (*lodp.SymmetricKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("intro keys: %w", err)
	}
	if len(raw) != lodp.MACKeyLen+lodp.BulkKeyLen {
		return nil, fmt.Errorf("intro keys: need %d hex bytes, got %d",
			lodp.MACKeyLen+lodp.BulkKeyLen, len(raw))
	}
	k := new(lodp.SymmetricKey)
	copy(k.MAC[:], raw[:lodp.MACKeyLen])
	copy(k.Bulk[:], raw[lodp.MACKeyLen:])
	return k, nil
}

func parsePrivateKey(s string) (lodp.PrivateKey, error) {
	var k lodp.PrivateKey
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(k) {
		return k, fmt.Errorf("private key: need %d hex bytes", len(k))
	}
	copy(k[:], raw)
	return k, nil
}

func parsePublicKey(s string) (lodp.PublicKey, error) {
	var k lodp.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(k) {
		return k, fmt.Errorf("public key: need %d hex bytes", len(k))
	}
	copy(k[:], raw)
	return k, nil
}
