package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"futuresdash/go_src/configuration"
	"futuresdash/go_src/logging_helper"
	"futuresdash/go_src/token_store"
)

const appName = "futures-token"

const usage = `usage: futures-token <command>

commands:
  save [ttl]   read the REST token from stdin and store it encrypted (ttl e.g. 24h, default none)
  show         print the stored token and its expiry
  clear        remove the stored token`

func openSource(cfg *configuration.Config) (*token_store.FileTokenSource, error) {
	if cfg.API.TokenFile == "" || cfg.API.SaltFile == "" {
		return nil, errors.New("api.token_file and api.salt_file must be set in the configuration")
	}
	passphrase := os.Getenv(configuration.TokenPassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("environment variable %s must hold the token passphrase", configuration.TokenPassphraseEnv)
	}
	return token_store.NewFileTokenSource(cfg.API.TokenFile, cfg.API.SaltFile, passphrase)
}

// run executes one command against src.
func run(args []string, src *token_store.FileTokenSource, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "save":
		var ttl time.Duration
		if len(args) > 1 {
			d, err := time.ParseDuration(args[1])
			if err != nil || d < 0 {
				return fmt.Errorf("invalid ttl %q", args[1])
			}
			ttl = d
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read token: %w", err)
		}
		if err := src.SaveToken(strings.TrimSpace(line), ttl); err != nil {
			return err
		}
		fmt.Fprintln(out, "Token saved.")
	case "show":
		stored, err := src.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Token:    %s\n", stored.Token)
		fmt.Fprintf(out, "Saved at: %s\n", stored.SavedAt.Format(time.RFC3339))
		if stored.ExpiresAt.IsZero() {
			fmt.Fprintln(out, "Expires:  never")
		} else {
			state := "valid"
			if stored.Expired(time.Now()) {
				state = "EXPIRED"
			}
			fmt.Fprintf(out, "Expires:  %s (%s)\n", stored.ExpiresAt.Format(time.RFC3339), state)
		}
	case "clear":
		if err := src.ClearToken(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Token cleared.")
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	return nil
}

func main() {
	log.Printf("Starting %s utility...", appName)

	configPath := configuration.ConfigPath()
	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configPath, err)
	}
	log.Println("Configuration loaded.")

	logCloser, err := logging_helper.SetupLogging(cfg, appName+"-cli")
	if err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	src, err := openSource(cfg)
	if err != nil {
		log.Fatalf("Failed to open token store: %v", err)
	}
	if len(os.Args) > 1 && os.Args[1] == "save" {
		fmt.Fprint(os.Stderr, "Paste the REST token and press Enter: ")
	}
	if err := run(os.Args[1:], src, os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
