package cmd

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/captrail/captrail/pkg/webhook/secrets"
)

// NewSecretCommand creates the signing key management command group.
func NewSecretCommand(deps *CommandDeps) *cobra.Command {
	c := &cobra.Command{
		Use:   "secret",
		Short: "Manage the webhook signing key",
		Long: `Manage the HMAC key that signs webhook payloads.

The key lives in the system keyring. Setting ` + secrets.EnvKey + ` overrides
the keyring, which is the path for CI and headless hosts.`,
	}
	c.AddCommand(
		newSecretSetCommand(deps),
		newSecretResetCommand(deps),
		newSecretStatusCommand(deps),
	)
	return c
}

func newSecretSetCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Store a signing key in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readKey(deps)
			if err != nil {
				return err
			}
			key, err := hex.DecodeString(raw)
			if err != nil {
				return fmt.Errorf("key must be hex-encoded: %w", err)
			}
			if err := secrets.NewKeyringKeyProvider().SetKey(key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}
			fmt.Fprintln(deps.out(), "Signing key stored in the system keyring.")
			return nil
		},
	}
}

func newSecretResetCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Generate a new signing key, replacing any existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secrets.NewKeyringKeyProvider().ResetKey()
			if err != nil {
				return fmt.Errorf("reset key: %w", err)
			}
			fmt.Fprintln(deps.out(), "New signing key generated. Configure the receiving end with:")
			fmt.Fprintln(deps.out(), hex.EncodeToString(key))
			return nil
		},
	}
}

func newSecretStatusCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the signing key comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := secrets.GetDefaultKeyProvider()
			if err != nil {
				return fmt.Errorf("no signing key source: %w", err)
			}
			fmt.Fprintf(deps.out(), "Signing key source: %s\n", provider.Description())
			return nil
		},
	}
}

// readKey prompts for the key without echo when stdin is a terminal, and
// reads one line otherwise (piped input).
func readKey(deps *CommandDeps) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(deps.out(), "Signing key (64 hex chars): ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(deps.out())
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
