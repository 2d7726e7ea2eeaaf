package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/freeshell/conductor/pkg/policy"
)

func newConsentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Manage consents and blocked users",
		Long: `Manage the consent registry the policy gate consults before depicting a
real person, and the list of users whose requests are always blocked.

Consents are keyed by user, subject and content type and only cover the
purpose they were granted for.`,
	}

	cmd.AddCommand(newConsentGrantCommand())
	cmd.AddCommand(newConsentRevokeCommand())
	cmd.AddCommand(newConsentListCommand())
	cmd.AddCommand(newConsentBlockCommand())

	return cmd
}

func newConsentGrantCommand() *cobra.Command {
	var rec policy.ConsentRecord

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Record a consent",
		Example: `  # A living person consenting for themselves
  conductor consent grant --user u1 --subject "Jane Doe" --subject-status living \
    --content-type video --purpose personal --consent-type self

  # Family consent for a memorial
  conductor consent grant --user u2 --subject "Ann Smith" --subject-status deceased \
    --content-type memorial --purpose memorial --consent-type family --proof doc-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			granted, err := a.consents.Grant(cmd.Context(), rec)
			if err != nil {
				return err
			}
			return render(cmd, granted, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Consent %s granted for %s\n", granted.Key(), granted.Purpose)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&rec.UserID, "user", "u", "", "user the consent belongs to")
	cmd.Flags().StringVar(&rec.SubjectName, "subject", "", "person the consent covers")
	cmd.Flags().StringVar(&rec.SubjectStatus, "subject-status", "", "subject status: living, deceased, historical or fictional")
	cmd.Flags().StringVar(&rec.ContentType, "content-type", "", "content type: voice, image, video, text or memorial")
	cmd.Flags().StringVar(&rec.Purpose, "purpose", "", "purpose the consent covers")
	cmd.Flags().StringVar(&rec.ConsentType, "consent-type", "", "who consented: self, legal_guardian or family")
	cmd.Flags().BoolVar(&rec.CommercialUse, "commercial", false, "allow commercial use")
	cmd.Flags().BoolVar(&rec.ThirdPartyShare, "third-party", false, "allow sharing with third parties")
	cmd.Flags().StringVar(&rec.Proof, "proof", "", "reference to the consent document")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("content-type")

	return cmd
}

func newConsentRevokeCommand() *cobra.Command {
	var userID, subject, contentType string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Remove a consent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			err = a.consents.Revoke(cmd.Context(), userID, subject, contentType)
			if errors.Is(err, policy.ErrConsentNotFound) {
				return fmt.Errorf("no consent for user %s, subject %s and content type %s", userID, subject, contentType)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Consent %s revoked\n", policy.ConsentKey(userID, subject, contentType))
			return err
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user the consent belongs to")
	cmd.Flags().StringVar(&subject, "subject", "", "person the consent covers")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of the consent")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("content-type")

	return cmd
}

func newConsentListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded consents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			consents := a.consents.List()
			return render(cmd, consents, func(w io.Writer) error {
				rows := make([][]string, 0, len(consents))
				for _, c := range consents {
					rows = append(rows, []string{
						c.UserID,
						c.SubjectName,
						c.ContentType,
						c.Purpose,
						c.ConsentType,
						strconv.FormatBool(c.CommercialUse),
						c.GrantedAt.Format(time.RFC3339),
					})
				}
				return table(w, "USER\tSUBJECT\tCONTENT\tPURPOSE\tCONSENT\tCOMMERCIAL\tGRANTED", rows)
			})
		},
	}
}

func newConsentBlockCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "block <user-id>",
		Short: "Block every request from a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.consents.Block(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "User %s blocked\n", args[0])
			return err
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the user is blocked")

	return cmd
}
