package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/mrzappu/deyvam-bot/deyvam"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Tests replace it.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxPasswordAttempts = 3

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return fmt.Errorf(
				"%s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				deyvam.DefaultEnvPrefix,
			)
		}
		if cfg.Database == "" {
			return fmt.Errorf(
				"%s_DATABASE not set (must be a connection string or sqlite file path)",
				deyvam.DefaultEnvPrefix,
			)
		}

		db, err := deyvam.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		runtimeConfig, err := loadOrCreateRuntimeConfig(ctx, db, cfg.Guild)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password, err := promptCredentials(cmd.InOrStdin(), out)
			if err != nil {
				return err
			}

			hashedPassword, err := deyvam.HashPassword(password)
			if err != nil {
				return fmt.Errorf("error hashing password: %w", err)
			}
			if err = db.WithContext(ctx).Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				return fmt.Errorf("error updating admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func loadOrCreateRuntimeConfig(
	ctx context.Context,
	db *gorm.DB,
	seed deyvam.GuildSettings,
) (deyvam.RuntimeConfig, error) {
	var runtimeConfig deyvam.RuntimeConfig
	err := db.WithContext(ctx).Last(&runtimeConfig).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		runtimeConfig = deyvam.DefaultRuntimeConfig(seed)
		if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
			return runtimeConfig, fmt.Errorf("error creating runtime config: %w", err)
		}
	case err != nil:
		return runtimeConfig, fmt.Errorf("error retrieving runtime config: %w", err)
	}
	return runtimeConfig, nil
}

// promptCredentials reads a username from in, and a password (twice)
// from the password reader
func promptCredentials(in io.Reader, out io.Writer) (string, string, error) {
	reader := bufio.NewReader(in)

	fmt.Fprint(out, "Enter admin username: ")
	username, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("error reading username: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", errors.New("username cannot be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		switch {
		case len(password) == 0:
			fmt.Fprintln(out, "Password cannot be empty. Please try again.")
		case string(password) != string(confirm):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, string(password), nil
		}
	}
	return "", "", errors.New("too many failed attempts")
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
