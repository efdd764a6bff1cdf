// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// station.go holds the factory-station subcommands: upload, request and
// available. These run with a station key against a remote DKPS server and
// do not touch the local database or keyring.

package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cros-factory/dkps/client"
)

var (
	stationServerURL  string
	stationKeyFile    string
	stationServerKey  string
	stationAskPass    bool
	stationMock       bool
	stationRequestOut string
)

func addStationCommands(root *cobra.Command) {
	for _, c := range []*cobra.Command{uploadCmd, requestCmd, availableCmd} {
		if c.Flags().Lookup("server") == nil {
			c.Flags().StringVar(&stationServerURL, "server", "http://localhost:5438", "DKPS server base URL")
			c.Flags().StringVar(&stationKeyFile, "key", "", "Path to the station's armored private key")
			c.Flags().StringVar(&stationServerKey, "server-key", "", "Path to the server's armored public key")
			c.Flags().BoolVar(&stationAskPass, "ask-pass", false, "Prompt for the station key passphrase")
			c.Flags().BoolVar(&stationMock, "mock", false, "Run the crypto path without contacting the server")
		}
		// Station commands run standalone; skip the server-side service
		// wiring from the root's PersistentPreRunE.
		c.PersistentPreRunE = func(cmd *cobra.Command, args []string) error { return nil }
	}
	if requestCmd.Flags().Lookup("out") == nil {
		requestCmd.Flags().StringVar(&stationRequestOut, "out", "", "Write the plaintext key record to this file instead of stdout")
	}
	root.AddCommand(uploadCmd, requestCmd, availableCmd)
}

func newStationClient() (*client.Client, error) {
	if stationKeyFile == "" || stationServerKey == "" {
		return nil, errors.New("--key and --server-key are required")
	}
	key, err := os.ReadFile(stationKeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not read station key: %w", err)
	}
	serverKey, err := os.ReadFile(stationServerKey)
	if err != nil {
		return nil, fmt.Errorf("could not read server public key: %w", err)
	}
	var passphrase []byte
	if stationAskPass {
		fmt.Fprint(os.Stderr, "Station key passphrase: ")
		passphrase, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("could not read passphrase: %w", err)
		}
	}
	return client.New(client.Options{
		ServerURL:       stationServerURL,
		Key:             key,
		Passphrase:      passphrase,
		ServerPublicKey: serverKey,
		Mock:            stationMock,
	})
}

// uploadCmd sends a key batch from an uploader station.
var uploadCmd = &cobra.Command{
	Use:   "upload <keys-file>",
	Short: "Upload a batch of DRM keys to the server",
	Long: `Reads a key batch (in the project's parser format, e.g. a JSON list),
seals it for the server with the uploader key and uploads it. Prints the
number of newly stored keys; keys already on the server are absorbed
silently.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newStationClient()
		if err != nil {
			return err
		}
		keys, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("could not read keys file: %w", err)
		}
		count, err := c.Upload(cmd.Context(), keys)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %d new keys.\n", count)
		return nil
	},
}

// requestCmd fetches the key assigned to a device serial number.
var requestCmd = &cobra.Command{
	Use:   "request <device-serial>",
	Short: "Request the DRM key assigned to a device serial number",
	Long: `Requests the DRM key for the given device serial number. The same serial
always receives the same key. The plaintext key record goes to stdout or,
with --out, to a file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newStationClient()
		if err != nil {
			return err
		}
		record, err := c.Request(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if stationRequestOut != "" {
			return os.WriteFile(stationRequestOut, record, 0600)
		}
		fmt.Println(string(record))
		return nil
	},
}

// availableCmd reports the remaining pool size.
var availableCmd = &cobra.Command{
	Use:   "available",
	Short: "Show how many unassigned keys remain for this station's project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newStationClient()
		if err != nil {
			return err
		}
		count, err := c.AvailableKeyCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(count)
		return nil
	},
}
