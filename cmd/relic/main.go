package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relic/internal/config"
	"relic/internal/repo"
	"relic/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relic",
	Short: "Content-addressed version control",
}

// workspace returns the directory commands operate on.
func workspace(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("workspace")
	if dir == "" {
		dir = "."
	}
	return dir
}

// openRepo discovers the repository under dir and wires up the logger
// and config. The caller must defer the returned cleanup.
func openRepo(dir string) (*repo.Repository, *config.Config, func(), error) {
	st, err := store.Discover(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load(st.Root())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, f, err := newLogger(filepath.Join(st.Root(), "log"), uuid.NewString())
	if err != nil {
		return nil, nil, nil, err
	}
	rep := repo.New(st, dir, &slogAdapter{l: logger}, nil)
	return rep, cfg, func() { f.Close() }, nil
}

// resolveAuthor picks the record author: the flag wins, then the
// configured default.
func resolveAuthor(flag string, cfg *config.Config) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Commit.Author != "" {
		return cfg.Commit.Author, nil
	}
	return "", fmt.Errorf("no author: pass --author or set commit.author")
}

var initCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Initialize a repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bare, _ := cmd.Flags().GetBool("bare")
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		st, err := store.Init(path, bare)
		if err != nil {
			return err
		}
		fmt.Printf("Initialized empty repository in %s\n", st.Root())
		return nil
	},
}

var newCmd = &cobra.Command{
	Use:   "new NAME",
	Short: "Create a directory and initialize a repository in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bare, _ := cmd.Flags().GetBool("bare")
		if err := os.MkdirAll(args[0], 0755); err != nil {
			return fmt.Errorf("creating %s: %w", args[0], err)
		}
		st, err := store.Init(args[0], bare)
		if err != nil {
			return err
		}
		fmt.Printf("Initialized empty repository in %s\n", st.Root())
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record the current workspace state",
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		authorFlag, _ := cmd.Flags().GetString("author")
		if message == "" {
			return fmt.Errorf("no message: pass --message")
		}

		rep, cfg, cleanup, err := openRepo(workspace(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		author, err := resolveAuthor(authorFlag, cfg)
		if err != nil {
			return err
		}
		id, rec, err := rep.Commit(author, message)
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s\n", id.Short(), rec.Message)
		return nil
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout [HASH]",
	Short: "Restore a record into the workspace",
	Long: "Restore a record into the workspace. HASH is a record id prefix;\n" +
		"without it the current HEAD is restored. HEAD itself never moves.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, _ := cmd.Flags().GetBool("clean")

		rep, cfg, cleanup, err := openRepo(workspace(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		opts := repo.CheckoutOptions{Clean: clean}
		if cfg.Commit.AutoRecord != nil && *cfg.Commit.AutoRecord {
			author, err := resolveAuthor("", cfg)
			if err != nil {
				return err
			}
			opts.AutoRecord = true
			opts.Author = author
		}
		id, rec, err := rep.Checkout(ref, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Checked out [%s] %s\n", id.Short(), rec.Message)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetInt("skip")
		limit, _ := cmd.Flags().GetInt("limit")

		rep, _, cleanup, err := openRepo(workspace(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := rep.Logs(skip, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No records.")
			return nil
		}
		for _, e := range entries {
			marker := " "
			if e.IsHead {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %s  %s\n",
				marker,
				e.ID.Short(),
				e.Record.Date.Format("2006-01-02 15:04:05"),
				e.Record.Author,
				e.Record.Message,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "Workspace directory to operate on")

	initCmd.Flags().Bool("bare", false, "Create a bare repository (no workspace)")
	newCmd.Flags().Bool("bare", false, "Create a bare repository (no workspace)")
	commitCmd.Flags().StringP("message", "m", "", "Record message")
	commitCmd.Flags().StringP("author", "a", "", "Record author")
	checkoutCmd.Flags().Bool("clean", false, "Remove workspace entries the record does not contain")
	logsCmd.Flags().Int("skip", 0, "Number of records to skip")
	logsCmd.Flags().IntP("limit", "n", 10, "Maximum number of records to show")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(logsCmd)
}
