// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface (CLI) for the DKPS server
// using the Cobra library. It defines the root command, the server
// administration subcommands (init, add, update, rm, list, listen,
// backup, restore, destroy) and the shared service wiring.

package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cros-factory/dkps/internal/config"
	"github.com/cros-factory/dkps/internal/db"
	"github.com/cros-factory/dkps/internal/engine"
	"github.com/cros-factory/dkps/internal/logging"
	"github.com/cros-factory/dkps/internal/model"
	"github.com/cros-factory/dkps/internal/pgp"
	"github.com/cros-factory/dkps/internal/registry"
	"github.com/cros-factory/dkps/internal/server"
)

var version = "dev" // set by the linker
var cfgFile string
var verbose bool

var appConfig config.Config

// Shared services, wired by setupDefaultServices.
var (
	store    db.Store
	keyring  *pgp.Keyring
	projects *registry.Registry
	eng      *engine.Engine
)

// Flags for individual subcommands.
var (
	importKeyFile    string // init --import-key
	uploaderKeyFile  string // add/update --uploader-key
	requesterKeyFile string // add/update --requester-key
	parserModule     string // add --parser
	filterModule     string // add/update --filter
	clearFilter      bool   // update --clear-filter
)

func setupDefaultServices(cmd *cobra.Command, args []string) error {
	configPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, config.Defaults(), configPath)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error loading config: %w", err)
		}
	}

	// First run: persist the resolved defaults so subsequent runs have a
	// config file to inspect and edit.
	if configPath == nil {
		if userPath, perr := config.GetConfigPath(false); perr == nil {
			if _, serr := os.Stat(userPath); errors.Is(serr, os.ErrNotExist) {
				if writeErr := config.WriteConfigFile(&appConfig, false); writeErr != nil {
					log.Warnf("could not write default config file: %v", writeErr)
				}
			}
		}
	}

	if verbose || appConfig.Debug {
		logging.SetDebug(true)
		db.SetDebug(true)
	}

	store, err = db.New(appConfig.Database.Type, appConfig.Database.DSN)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	keyring, err = pgp.Load(appConfig.Keyring)
	if err != nil {
		return fmt.Errorf("could not open keyring: %w", err)
	}
	projects = registry.New(store, keyring)
	eng = engine.New(store, keyring, projects)
	return nil
}

// requireInitialized guards subcommands that need a server key.
func requireInitialized() error {
	if !keyring.Initialized() {
		return errors.New("server key not initialized; run 'dkps init' first")
	}
	return nil
}

// Execute runs the CLI entrypoint. The root main package should call this
// function and handle process exit.
func Execute() error {
	rootCmd := NewRootCmd()
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()
	return rootCmd.Execute()
}

func applyDefaultFlags(cmd *cobra.Command) {
	// pflag panics on duplicate definitions and NewRootCmd may be called
	// multiple times in tests, so check before defining.
	if cmd.Flags().Lookup("database.type") == nil {
		cmd.Flags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	}
	if cmd.Flags().Lookup("database.dsn") == nil {
		cmd.Flags().String("database.dsn", "dkps.db", "Database connection string (DSN)")
	}
	if cmd.Flags().Lookup("keyring") == nil {
		cmd.Flags().String("keyring", "keyring", "Keyring directory")
	}
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates and configures a new root cobra command. Used for the
// real binary and for fresh instances in isolated tests.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dkps",
		Short: "DKPS is a DRM key provisioning server for factory lines.",
		Long: `DKPS escrows batches of DRM keys per project and hands out exactly one
key per device serial number. Uploaders and requesters authenticate with
OpenPGP keys; every payload travels sign-then-encrypted.

Run 'dkps init' once to create the server key and database, register
projects with 'dkps add', then 'dkps listen' to serve provisioning
requests.`,
		PersistentPreRunE: setupDefaultServices,
		SilenceUsage:      true,
	}
	cmd.Version = version

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (debug logs)")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	applyDefaultFlags(cmd)

	if initCmd.Flags().Lookup("import-key") == nil {
		initCmd.Flags().StringVar(&importKeyFile, "import-key", "", "Import an existing armored private key instead of generating one")
	}
	for _, c := range []*cobra.Command{addCmd, updateCmd} {
		if c.Flags().Lookup("uploader-key") == nil {
			c.Flags().StringVar(&uploaderKeyFile, "uploader-key", "", "Path to the uploader's armored public key")
		}
		if c.Flags().Lookup("requester-key") == nil {
			c.Flags().StringVar(&requesterKeyFile, "requester-key", "", "Path to the requester's armored public key")
		}
		if c.Flags().Lookup("filter") == nil {
			c.Flags().StringVar(&filterModule, "filter", "", "Filter module name")
		}
	}
	if addCmd.Flags().Lookup("parser") == nil {
		addCmd.Flags().StringVar(&parserModule, "parser", "json_list", "Parser module name")
	}
	if updateCmd.Flags().Lookup("clear-filter") == nil {
		updateCmd.Flags().BoolVar(&clearFilter, "clear-filter", false, "Remove the project's filter module")
	}
	if listenCmd.Flags().Lookup("listen") == nil {
		listenCmd.Flags().String("listen", server.DefaultAddr, "Address to listen on")
	}

	for _, c := range []*cobra.Command{initCmd, destroyCmd, addCmd, updateCmd, rmCmd, listCmd, listenCmd, backupCmd, restoreCmd, logCmd} {
		applyDefaultFlags(c)
	}

	cmd.AddCommand(
		initCmd,
		destroyCmd,
		addCmd,
		updateCmd,
		rmCmd,
		listCmd,
		listenCmd,
		backupCmd,
		restoreCmd,
		logCmd,
	)
	addStationCommands(cmd)

	return cmd
}

// initCmd creates the server keypair and records its fingerprint.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the server: create or import the server key",
	Long: `Creates the DKPS server keypair (or imports an existing armored private
key with --import-key) and records its fingerprint in the database. The
database schema itself is migrated automatically on every start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyring.Initialized() {
			return errors.New("server key already exists; run 'dkps destroy' first to start over")
		}
		var fingerprint string
		var err error
		if importKeyFile != "" {
			armored, rerr := os.ReadFile(importKeyFile)
			if rerr != nil {
				return fmt.Errorf("could not read key file: %w", rerr)
			}
			fingerprint, err = keyring.InitImport(armored)
		} else {
			fingerprint, err = keyring.InitGenerate("DKPS Server", "DRM key provisioning", "dkps@localhost")
		}
		if err != nil {
			return err
		}
		if err := store.PutSetting(cmd.Context(), model.ServerKeyFingerprintSetting, fingerprint); err != nil {
			return err
		}
		fmt.Printf("Server initialized. Key fingerprint: %s\n", fingerprint)
		pub, err := keyring.ExportServerPublicKey()
		if err != nil {
			return err
		}
		fmt.Println("Distribute this public key to uploader and requester stations:")
		fmt.Println(pub)
		return nil
	},
}

// destroyCmd wipes the database and the keyring.
var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy all server state (projects, keys, keyring)",
	Long: `Deletes every project, every stored DRM key, the audit log and the
server keyring. This is destructive and not reversible.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("This wipes ALL projects, DRM keys and the server key. Continue? (yes/no): ")
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input != "yes" && input != "y" {
			fmt.Println("Operation cancelled.")
			return nil
		}
		// An import of an empty backup clears every table.
		if err := store.ImportDataFromBackup(cmd.Context(), &model.BackupData{SchemaVersion: model.BackupSchemaVersion}); err != nil {
			return err
		}
		if err := keyring.Destroy(); err != nil {
			return err
		}
		fmt.Println("Server state destroyed.")
		return nil
	},
}

// addCmd registers a project.
var addCmd = &cobra.Command{
	Use:   "add <project-name>",
	Short: "Register a project with its uploader and requester keys",
	Long: `Registers a project. The uploader and requester armored public keys are
imported into the server keyring; their fingerprints identify the project
on every upload and request. The parser module shapes uploaded batches
(built-ins: json_list, yaml_list), the optional filter module
post-processes them (built-ins: identity, require_fields).

Example:
  dkps add acme --uploader-key uploader.asc --requester-key requester.asc --parser json_list`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInitialized(); err != nil {
			return err
		}
		if uploaderKeyFile == "" || requesterKeyFile == "" {
			return errors.New("--uploader-key and --requester-key are required")
		}
		uploaderKey, err := os.ReadFile(uploaderKeyFile)
		if err != nil {
			return fmt.Errorf("could not read uploader key: %w", err)
		}
		requesterKey, err := os.ReadFile(requesterKeyFile)
		if err != nil {
			return fmt.Errorf("could not read requester key: %w", err)
		}
		p, err := projects.Register(cmd.Context(), args[0], uploaderKey, requesterKey, parserModule, filterModule)
		if err != nil {
			return err
		}
		fmt.Printf("Project %s registered.\n  uploader:  %s\n  requester: %s\n",
			p.Name, p.UploaderKeyFingerprint, p.RequesterKeyFingerprint)
		return nil
	},
}

// updateCmd swaps a project's keys or filter module.
var updateCmd = &cobra.Command{
	Use:   "update <project-name>",
	Short: "Update a project's keys or filter module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInitialized(); err != nil {
			return err
		}
		var params registry.UpdateParams
		if uploaderKeyFile != "" {
			key, err := os.ReadFile(uploaderKeyFile)
			if err != nil {
				return fmt.Errorf("could not read uploader key: %w", err)
			}
			params.UploaderKey = key
		}
		if requesterKeyFile != "" {
			key, err := os.ReadFile(requesterKeyFile)
			if err != nil {
				return fmt.Errorf("could not read requester key: %w", err)
			}
			params.RequesterKey = key
		}
		if clearFilter {
			empty := ""
			params.FilterModule = &empty
		} else if cmd.Flags().Changed("filter") {
			params.FilterModule = &filterModule
		}
		p, err := projects.Update(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		fmt.Printf("Project %s updated.\n  uploader:  %s\n  requester: %s\n  filter:    %s\n",
			p.Name, p.UploaderKeyFingerprint, p.RequesterKeyFingerprint, p.FilterModule)
		return nil
	},
}

// rmCmd removes a project and its stored keys.
var rmCmd = &cobra.Command{
	Use:   "rm <project-name>",
	Short: "Remove a project and all of its stored DRM keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := projects.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Project %s removed.\n", args[0])
		return nil
	},
}

// listCmd prints all registered projects.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := projects.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No projects registered.")
			return nil
		}
		for _, p := range all {
			available, err := store.CountUnassignedDRMKeys(cmd.Context(), p.Name)
			if err != nil {
				return err
			}
			filter := p.FilterModule
			if filter == "" {
				filter = "-"
			}
			fmt.Printf("%s\n  uploader:  %s\n  requester: %s\n  parser:    %s\n  filter:    %s\n  available: %d\n",
				p.Name, p.UploaderKeyFingerprint, p.RequesterKeyFingerprint, p.ParserModule, filter, available)
		}
		return nil
	},
}

// listenCmd starts the RPC server.
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Serve provisioning RPCs",
	Long: `Starts the HTTP RPC front on the configured address (default :5438) and
serves upload, request and available-key-count calls until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInitialized(); err != nil {
			return err
		}
		addr := appConfig.Listen
		if cmd.Flags().Changed("listen") {
			addr, _ = cmd.Flags().GetString("listen")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.New(addr, eng).ListenAndServe(ctx)
	},
}

// logCmd prints the audit log.
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the audit log (most recent first)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := store.GetAllAuditLogEntries(cmd.Context())
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-16s %s\n", e.Timestamp, e.Action, e.Details)
		}
		return nil
	},
}

// backupCmd dumps all data into a zstd-compressed JSON file.
var backupCmd = &cobra.Command{
	Use:   "backup [output-file]",
	Short: "Create a compressed (zstd) JSON backup of the database",
	Long: `Dumps the entire contents of the DKPS database (settings, projects, DRM
keys, audit log) into a single Zstandard-compressed JSON file. Stored DRM
keys stay encrypted for the server key inside the backup.

If no output file is specified, a default filename
'dkps-backup-YYYY-MM-DD.json.zst' is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var outputFile string
		if len(args) == 0 {
			outputFile = fmt.Sprintf("dkps-backup-%s.json.zst", time.Now().Format("2006-01-02"))
		} else {
			outputFile = args[0]
			if !strings.HasSuffix(outputFile, ".zst") {
				outputFile += ".zst"
			}
		}
		data, err := store.ExportDataForBackup(cmd.Context())
		if err != nil {
			return fmt.Errorf("could not export data: %w", err)
		}
		if err := writeCompressedBackup(outputFile, data); err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", outputFile)
		return nil
	},
}

// restoreCmd restores the database from a compressed JSON backup.
var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file.zst>",
	Short: "Restore the database from a compressed JSON backup",
	Long: `Restores the entire DKPS database from a Zstandard-compressed JSON
backup file. All existing data is wiped first.

WARNING: this is destructive and not reversible. The server keyring is
not part of the backup; restore it separately when moving hosts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("This replaces ALL existing data. Continue? (yes/no): ")
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input != "yes" && input != "y" {
			fmt.Println("Operation cancelled.")
			return nil
		}
		data, err := readCompressedBackup(args[0])
		if err != nil {
			return err
		}
		if err := store.ImportDataFromBackup(cmd.Context(), data); err != nil {
			return fmt.Errorf("could not import data: %w", err)
		}
		fmt.Println("Restore complete.")
		return nil
	},
}

// readCompressedBackup handles reading and decoding a zstd-compressed JSON
// backup file.
func readCompressedBackup(filename string) (*model.BackupData, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	var backupData model.BackupData
	if err := json.NewDecoder(zstdReader).Decode(&backupData); err != nil {
		return nil, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	return &backupData, nil
}

// writeCompressedBackup streams the JSON encoding directly into the zstd
// writer.
func writeCompressedBackup(filename string, data *model.BackupData) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer func() { _ = file.Close() }()

	zstdWriter, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	defer func() { _ = zstdWriter.Close() }()

	encoder := json.NewEncoder(zstdWriter)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("could not encode json to zstd writer: %w", err)
	}
	return nil
}
