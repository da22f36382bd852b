// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/gvsurenderreddy/lodp"
)

func clientCmd() *cobra.Command {
	var (
		server   string
		pubHex   string
		introHex string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "client [message]",
		Short: "Connect to an echo server, send a message, await the echo",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := "hello, lodp"
			if len(args) == 1 {
				message = args[0]
			}

			peerPub, err := parsePublicKey(pubHex)
			if err != nil {
				return err
			}
			intro, err := parseIntroKeys(introHex)
			if err != nil {
				return err
			}
			addr, err := net.ResolveUDPAddr("udp", server)
			if err != nil {
				return err
			}

			up := make(chan *lodp.Session, 1)
			down := make(chan error, 1)
			echoed := make(chan string, 1)
			beat := make(chan string, 1)

			srv, err := lodp.NewServer(lodp.ServerConfig{
				OnSessionUp: func(s *lodp.Session) {
					up <- s
				},
				OnSessionDown: func(s *lodp.Session, err error) {
					down <- err
				},
				OnMessage: func(s *lodp.Session, payload []byte) {
					echoed <- string(payload)
				},
				OnHeartbeatACK: func(s *lodp.Session, payload []byte) {
					beat <- string(payload)
				},
			})
			if err != nil {
				return err
			}

			conn, err := net.ListenPacket("udp", ":0")
			if err != nil {
				return err
			}
			defer conn.Close()

			srv.Start(conn)
			defer srv.Close()

			if _, err := srv.Connect(addr, peerPub, intro); err != nil {
				return err
			}

			var sess *lodp.Session
			select {
			case sess = <-up:
			case err := <-down:
				return fmt.Errorf("handshake: %w", err)
			case <-time.After(timeout):
				return fmt.Errorf("handshake: timed out after %s", timeout)
			}
			fmt.Printf("connected to %s\n", sess.Addr())

			var sendErr error
			srv.Do(func() { sendErr = sess.SendData([]byte(message)) })
			if sendErr != nil {
				return sendErr
			}
			select {
			case reply := <-echoed:
				fmt.Printf("echo: %q\n", reply)
			case <-time.After(timeout):
				return fmt.Errorf("echo: timed out after %s", timeout)
			}

			srv.Do(func() { sendErr = sess.SendHeartbeat([]byte("ping")) })
			if sendErr != nil {
				return sendErr
			}
			select {
			case reply := <-beat:
				fmt.Printf("heartbeat: %q\n", reply)
			case <-time.After(timeout):
				return fmt.Errorf("heartbeat: timed out after %s", timeout)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "127.0.0.1:6543", "server address")
	cmd.Flags().StringVarP(&pubHex, "pub", "p", "", "hex server public key")
	cmd.Flags().StringVarP(&introHex, "intro", "i", "", "hex server introduction keys")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "operation timeout")
	cmd.MarkFlagRequired("pub")
	cmd.MarkFlagRequired("intro")
	return cmd
}
