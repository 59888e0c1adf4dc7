// Command groupstore exposes the maintenance entry points of the encrypted
// group-messaging store to operational tooling: periodic sweeps, the
// one-time legacy migration and a storage health check.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opmsg/groupstore/config"
	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/lifecycle"
	"github.com/opmsg/groupstore/migrate"
	"github.com/opmsg/groupstore/storage"
	"github.com/opmsg/groupstore/vault"
)

// passphraseEnv supplies the vault unlock passphrase to the CLI. A flag
// would leak the passphrase into shell history and process listings.
const passphraseEnv = "GROUPSTORE_PASSPHRASE"

var (
	flagDataDir    string
	flagIdentity   string
	flagConfigPath string
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "groupstore",
		Short:        "Maintenance tooling for the encrypted group-messaging store",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "root directory for vault and store files")
	root.PersistentFlags().StringVar(&flagIdentity, "identity", "", "identity to operate as (required)")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to retention policy YAML")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	root.AddCommand(sweepCommand(), migrateCommand(), rollbackCommand(), verifyCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the maintenance sweeps: expired key packages, marked epoch keys, stale plaintext",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			mgr := lifecycle.NewManager(env.vault, env.stores, env.resolver, env.cfg.Retention)
			result, err := mgr.RunMaintenance(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("swept: %d expired key packages, %d epoch keys, %d plaintexts\n",
				result.ExpiredKeyPackages, result.PurgedEpochKeys, result.SweptPlaintexts)
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	var legacyDir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import legacy data into the current schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			adapter := migrate.NewAdapter(legacyDir, env.vault, env.stores, env.resolver)
			result, err := adapter.Run(context.Background())
			if err != nil {
				return err
			}

			if result.AlreadyDone {
				fmt.Println("migration already completed; nothing to do")
				return nil
			}
			fmt.Printf("migrated: %d conversations, %d members, %d messages\n",
				result.Conversations, result.Members, result.Messages)
			return nil
		},
	}
	cmd.Flags().StringVar(&legacyDir, "legacy-dir", "", "directory holding legacy data sources")
	return cmd
}

func rollbackCommand() *cobra.Command {
	var legacyDir string
	cmd := &cobra.Command{
		Use:   "rollback-migration",
		Short: "Delete migrated rows and clear the completion flag for a controlled re-run",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			adapter := migrate.NewAdapter(legacyDir, env.vault, env.stores, env.resolver)
			if err := adapter.Rollback(context.Background()); err != nil {
				return err
			}
			fmt.Println("migration rolled back")
			return nil
		},
	}
	cmd.Flags().StringVar(&legacyDir, "legacy-dir", "", "directory holding legacy data sources")
	return cmd
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run the vault round-trip self-test and open the identity's store",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.vault.VerifyAccess(); err != nil {
				return err
			}
			if _, err := env.stores.Resolve(env.resolver); err != nil {
				return err
			}
			fmt.Println("vault and store verified")
			return nil
		},
	}
}

// environment bundles the opened subsystem components for one CLI run.
type environment struct {
	cfg      config.Config
	vault    *vault.Vault
	stores   *storage.Manager
	resolver identity.Resolver
}

func openEnvironment() (*environment, error) {
	if flagIdentity == "" {
		return nil, errors.New("--identity is required")
	}

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("%s must be set", passphraseEnv)
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(filepath.Join(flagDataDir, "vault"))
	if err != nil {
		return nil, err
	}
	if err := v.Unlock([]byte(passphrase)); err != nil {
		return nil, err
	}

	stores, err := storage.NewManager(filepath.Join(flagDataDir, "stores"), v)
	if err != nil {
		v.Close()
		return nil, err
	}

	return &environment{
		cfg:      cfg,
		vault:    v,
		stores:   stores,
		resolver: identity.StaticResolver{ID: identity.Identity(flagIdentity)},
	}, nil
}

func (e *environment) close() {
	if err := e.stores.Close(); err != nil {
		logrus.WithField("error", err.Error()).Warn("Store close failed")
	}
	e.vault.Close()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".groupstore"
	}
	return filepath.Join(home, ".groupstore")
}
