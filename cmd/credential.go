package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bnema/questd/internal/domain"
)

func newCredentialCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored identity credentials",
	}

	cmd.AddCommand(
		newCredentialAddCmd(app),
		newCredentialRemoveCmd(app),
		newCredentialListCmd(app),
	)

	return cmd
}

func newCredentialAddCmd(app *app) *cobra.Command {
	var name string
	var credential string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a credential and register its identity",
		Long:  "Store a credential in the secret store and register the identity it belongs to. Reads the credential from stdin when --credential is not set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			value := credential
			if value == "" {
				read, err := readCredential(cmd)
				if err != nil {
					return err
				}
				value = read
			}

			record, err := app.credentials.Add(cmd.Context(), name, value)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored credential for %s (%s)\n", record.Name, record.ID)
			return err
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (default: Identity <id>)")
	cmd.Flags().StringVar(&credential, "credential", "", "Credential value (default: read from stdin)")

	return cmd
}

func newCredentialRemoveCmd(app *app) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an identity and its stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.credentials.Remove(cmd.Context(), domain.IdentityID(accountID))
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Identity ID")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newCredentialListCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := app.credentials.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no identities")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, record := range records {
				state := "active"
				if !record.Active {
					state = "inactive"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\tfailures=%d\n", record.ID, record.Name, state, record.Failures)
			}
			return w.Flush()
		},
	}
}

func readCredential(cmd *cobra.Command) (string, error) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	if scanner.Scan() {
		if value := strings.TrimSpace(scanner.Text()); value != "" {
			return value, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return "", errors.New("no credential given: pass --credential or pipe it on stdin")
}
