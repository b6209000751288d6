package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"relic/internal/auth"
	"relic/internal/server"
)

const defaultAddr = ":8172"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the repository for sync clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, cfg, cleanup, err := openRepo(workspace(cmd))
		if err != nil {
			return err
		}
		defer cleanup()
		st := rep.Store()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}
		if addr == "" {
			addr = defaultAddr
		}

		gate, closeGate, err := buildGate(cmd, cfg.Server.AccountsDB, cfg.Auth.Account, cfg.Auth.Password)
		if err != nil {
			return err
		}
		defer closeGate()

		logger, f, err := newLogger(filepath.Join(st.Root(), "log"), uuid.NewString())
		if err != nil {
			return err
		}
		defer f.Close()

		srv := server.New(st, gate, &slogAdapter{l: logger})
		fmt.Printf("Serving %s on %s\n", st.Root(), addr)
		return http.ListenAndServe(addr, srv.Handler())
	},
}

// buildGate selects the auth gate: an accounts database when one is
// configured, the static account/password pair otherwise. A pair with
// both fields empty accepts every connection.
func buildGate(cmd *cobra.Command, cfgDB, account, password string) (auth.Gate, func(), error) {
	dbPath, _ := cmd.Flags().GetString("accounts")
	if dbPath == "" {
		dbPath = cfgDB
	}
	if dbPath == "" {
		return auth.StaticGate{Account: account, Password: password}, func() {}, nil
	}
	accounts, err := auth.OpenAccountStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return accounts, func() { accounts.Close() }, nil
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage server accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a server account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("accounts")
		if dbPath == "" {
			return fmt.Errorf("no accounts database: pass --accounts")
		}

		password, err := promptPassword()
		if err != nil {
			return err
		}

		accounts, err := auth.OpenAccountStore(dbPath)
		if err != nil {
			return err
		}
		defer accounts.Close()

		if err := accounts.CreateAccount(args[0], password); err != nil {
			return err
		}
		fmt.Printf("Created account %s\n", args[0])
		return nil
	},
}

// promptPassword reads the password twice without echo and insists the
// two entries match.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Print("Repeat password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default "+defaultAddr+")")
	serveCmd.Flags().String("accounts", "", "Path to the sqlite accounts database")
	accountAddCmd.Flags().String("accounts", "", "Path to the sqlite accounts database")

	accountCmd.AddCommand(accountAddCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(accountCmd)
}
