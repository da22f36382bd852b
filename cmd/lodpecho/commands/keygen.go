// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gvsurenderreddy/lodp"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a responder identity and introduction keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := lodp.GenerateKeypair()
			if err != nil {
				return err
			}
			intro, err := lodp.GenerateIntroKeys()
			if err != nil {
				return err
			}

			fmt.Printf("private key: %s\n", hex.EncodeToString(priv[:]))
			fmt.Printf("public key:  %s\n", hex.EncodeToString(pub[:]))
			fmt.Printf("intro keys:  %s%s\n",
				hex.EncodeToString(intro.MAC[:]),
				hex.EncodeToString(intro.Bulk[:]))
			return nil
		},
	}
}
