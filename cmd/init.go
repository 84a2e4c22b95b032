package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/sazfasqq/jamespy/jamespy"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
	"io"
	"log"
	"os"
	"strings"
	"syscall"
)

const minAdminPasswordLength = 8

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable JAMESPY_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable JAMESPY_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := jamespy.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		var runtimeConfig jamespy.RuntimeConfig
		if err = db.Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Fatalf("Error retrieving runtime config: %s", err.Error())
			}
			runtimeConfig = jamespy.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				log.Fatalf("Error creating runtime config: %v", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password := promptCredentials(out, bufio.NewReader(os.Stdin))

			hashedPassword, hashErr := jamespy.HashPassword(password)
			if hashErr != nil {
				log.Fatalf("Error hashing password: %v", hashErr)
			}

			if err = db.Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				log.Fatalf("Error updating admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptCredentials reads the admin username, then the password twice,
// until the passwords match and meet the minimum length
func promptCredentials(out io.Writer, reader *bufio.Reader) (string, string) {
	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	if customPasswordReader == nil {
		customPasswordReader = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := customPasswordReader()
		fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := customPasswordReader()
		fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		password := string(passwordBytes)
		switch {
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		case len(password) < minAdminPasswordLength:
			fmt.Fprintf(out, "Password must be at least %d characters.\n", minAdminPasswordLength)
		default:
			return username, password
		}
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
