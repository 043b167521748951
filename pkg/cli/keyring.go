package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-relay/pkg/config"
)

// NewKeyringCommand manages the SMTP password in the OS keyring so it never
// has to appear in a config file.
func NewKeyringCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the SMTP password stored in the OS keyring",
	}

	var service, user string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the SMTP password read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if user == "" {
				return errors.New("--user is required")
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password from stdin: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}
			if err := config.StorePassword(service, user, password); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "stored password for %s in keyring service %q\n", user, service)
			return nil
		},
	}
	set.Flags().StringVar(&service, "service", "mailrelay", "Keyring service name")
	set.Flags().StringVar(&user, "user", "", "SMTP user the password belongs to")

	cmd.AddCommand(set)
	return cmd
}
