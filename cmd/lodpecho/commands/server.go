// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/gvsurenderreddy/lodp"
)

func serverCmd() *cobra.Command {
	var (
		listen   string
		keyHex   string
		introHex string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run an echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePrivateKey(keyHex)
			if err != nil {
				return err
			}
			intro, err := parseIntroKeys(introHex)
			if err != nil {
				return err
			}

			srv, err := lodp.NewServer(lodp.ServerConfig{
				Key:       key,
				IntroKeys: intro,
				Rate:      lodp.DefaultRatePolicy(),
				OnSessionUp: func(s *lodp.Session) {
					slog.Info("session up", "addr", s.Addr())
				},
				OnMessage: func(s *lodp.Session, payload []byte) {
					if err := s.SendData(payload); err != nil {
						slog.Warn("echo failed", "addr", s.Addr(), "err", err)
					}
				},
			})
			if err != nil {
				return err
			}

			conn, err := net.ListenPacket("udp", listen)
			if err != nil {
				return err
			}
			defer conn.Close()

			fmt.Printf("listening on %s\n", conn.LocalAddr())
			return srv.Serve(conn)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":6543", "listen address")
	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "hex private key (from keygen)")
	cmd.Flags().StringVarP(&introHex, "intro", "i", "", "hex introduction keys (from keygen)")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("intro")
	return cmd
}
