package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chunkvault/chunkvault/internal/svc"
)

var passwordStdin bool

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long:  "Manage accounts directly in the manager's database. Stop the manager first.",
	}

	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Long: `Create an account and print a token for it.

The password is read from the CHUNKVAULT_PASSWORD environment variable, or
from the first line of stdin with --password-stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runUserAdd,
	}
	addCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	userCmd.AddCommand(addCmd)

	return userCmd
}

// readPassword returns the password from stdin or the environment.
func readPassword(stdin io.Reader) (string, error) {
	if passwordStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", errors.New("empty password on stdin")
		}
		return line, nil
	}
	if pw := os.Getenv("CHUNKVAULT_PASSWORD"); pw != "" {
		return pw, nil
	}
	return "", errors.New("no password given: set CHUNKVAULT_PASSWORD or use --password-stdin")
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	setupLogging()

	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, err := loadManagerConfig(configPath(svc.ModeServe))
	if err != nil {
		return err
	}

	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	authSvc, err := newAuthService(db, cfg)
	if err != nil {
		return err
	}
	u, err := authSvc.CreateUser(cmd.Context(), args[0], password)
	if err != nil {
		return err
	}
	token, err := authSvc.GenerateToken(u)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created user %q (%s)\n", u.Username, u.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", token)
	return nil
}
