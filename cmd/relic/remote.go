package main

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relic/internal/config"
	"relic/internal/repo"
	"relic/internal/store"
	"relic/internal/wire"
)

// credentials picks the sync credentials: flags win over config.
func credentials(cmd *cobra.Command, cfg *config.Config) (account, password string) {
	account, _ = cmd.Flags().GetString("account")
	password, _ = cmd.Flags().GetString("password")
	if account == "" {
		account = cfg.Auth.Account
	}
	if password == "" {
		password = cfg.Auth.Password
	}
	return account, password
}

// runSync dials the remote and reconciles the local store with it.
// The repository lock is held for the whole session so a concurrent
// commit cannot race the HEAD policy.
func runSync(cmd *cobra.Command, st *store.Store, cfg *config.Config, rawURL string, logger repo.Logger) (*wire.Stats, error) {
	release, err := st.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	account, password := credentials(cmd, cfg)
	conn, closeConn, err := wire.Dial(cmd.Context(), rawURL, account, password)
	if err != nil {
		return nil, err
	}
	defer closeConn()

	return wire.Sync(st, conn, logger)
}

var syncCmd = &cobra.Command{
	Use:   "sync [URL]",
	Short: "Reconcile the repository with a remote",
	Long: "Reconcile the repository with a remote. Without URL the stored\n" +
		"origin is used; with URL it is used and remembered as origin.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, cfg, cleanup, err := openRepo(workspace(cmd))
		if err != nil {
			return err
		}
		defer cleanup()
		st := rep.Store()

		rawURL := ""
		if len(args) > 0 {
			rawURL = args[0]
		} else {
			rawURL, err = st.Origin()
			if err != nil {
				return err
			}
			if rawURL == "" {
				return fmt.Errorf("no remote: pass a URL or set origin")
			}
		}

		logger, f, err := newLogger(filepath.Join(st.Root(), "log"), uuid.NewString())
		if err != nil {
			return err
		}
		defer f.Close()

		stats, err := runSync(cmd, st, cfg, rawURL, &slogAdapter{l: logger})
		if err != nil {
			return err
		}
		if len(args) > 0 {
			if err := st.SetOrigin(rawURL); err != nil {
				return err
			}
		}
		fmt.Printf("Synchronized with %s\n", rawURL)
		fmt.Printf("  records: %d received, %d sent\n", stats.RecordsReceived, stats.RecordsSent)
		fmt.Printf("  blobs:   %d received, %d sent\n", stats.BlobsReceived, stats.BlobsSent)
		return nil
	},
}

var cloneCmd = &cobra.Command{
	Use:   "clone URL [DIR]",
	Short: "Create a repository from a remote",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawURL := args[0]
		dir := ""
		if len(args) > 1 {
			dir = args[1]
		} else {
			dir = cloneTarget(rawURL)
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		st, err := store.Init(dir, false)
		if err != nil {
			return err
		}
		if err := st.SetOrigin(rawURL); err != nil {
			return err
		}

		cfg, err := config.Load(st.Root())
		if err != nil {
			return err
		}
		logger, f, err := newLogger(filepath.Join(st.Root(), "log"), uuid.NewString())
		if err != nil {
			return err
		}
		defer f.Close()
		adapter := &slogAdapter{l: logger}

		if _, err := runSync(cmd, st, cfg, rawURL, adapter); err != nil {
			return err
		}

		// Materialize the synced HEAD; an empty remote leaves an empty
		// workspace.
		head, err := st.Head()
		if err != nil {
			return err
		}
		if head != nil {
			rep := repo.New(st, dir, adapter, nil)
			if _, _, err := rep.Checkout("", repo.CheckoutOptions{}); err != nil {
				return err
			}
		}
		fmt.Printf("Cloned %s into %s\n", rawURL, dir)
		return nil
	},
}

// cloneTarget derives a directory name from the remote URL path.
func cloneTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "repository"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "sync" || base == "" {
		if u.Hostname() != "" {
			return u.Hostname()
		}
		return "repository"
	}
	return base
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, cloneCmd} {
		cmd.Flags().String("account", "", "Account presented to the remote")
		cmd.Flags().String("password", "", "Password presented to the remote")
	}
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cloneCmd)
}
