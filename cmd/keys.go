package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/config"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys and encryption keys",
	}
	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newEncryptionKeyCmd())
	return cmd
}

// createKeyOptions are the inputs of "keys create".
type createKeyOptions struct {
	Email      string
	Name       string
	TenantID   string
	TenantName string
	Role       string
	Scopes     []string
	ExpiresIn  time.Duration
	Product    string
}

func newKeysCreateCmd() *cobra.Command {
	var opts createKeyOptions

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for a user in a tenant",
		Long: `Mint an API key and store its hash in the SQLite directory.

The user is created when no user has the given email. Without --tenant-id a
new tenant owned by the user is created. The plaintext key is printed once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Directory.Driver != config.BackendSQLite {
				return fmt.Errorf("keys create needs a persistent directory (directory.driver: sqlite)")
			}
			logger := newLogger(cfg.Logging)

			dir, err := directory.OpenSQLite(cmd.Context(), cfg.Directory.Path, logger)
			if err != nil {
				return err
			}
			defer dir.Close()

			if opts.Product == "" {
				opts.Product = cfg.APIKeys.Product
			}
			return createAPIKey(cmd.Context(), dir, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "Email of the key owner (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Human readable key name")
	cmd.Flags().StringVar(&opts.TenantID, "tenant-id", "", "Existing tenant to bind the key to")
	cmd.Flags().StringVar(&opts.TenantName, "tenant-name", "", "Name of the tenant created when --tenant-id is empty")
	cmd.Flags().StringVar(&opts.Role, "role", string(directory.RoleMember), "Role granted when the user is not yet a member of --tenant-id")
	cmd.Flags().StringSliceVar(&opts.Scopes, "scopes", nil, "Scopes carried by the key (read, write, admin). Empty means read.")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 0, "Key lifetime, e.g. 720h. Zero means no expiry.")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// keyDirectory is the directory surface "keys create" needs.
type keyDirectory interface {
	FindUserByEmail(ctx context.Context, email string) (*directory.User, error)
	CreateUser(ctx context.Context, email, name string) (*directory.User, error)
	CreateTenant(ctx context.Context, name, ownerID string) (*directory.Tenant, *directory.Membership, error)
	FindMembership(ctx context.Context, tenantID, userID string) (*directory.Membership, error)
	AddMembership(ctx context.Context, tenantID, userID string, role directory.Role) (*directory.Membership, error)
	StoreAPIKey(ctx context.Context, key *directory.APIKey) error
}

func createAPIKey(ctx context.Context, dir keyDirectory, opts createKeyOptions, out io.Writer) error {
	email := strings.TrimSpace(opts.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if v := scope.ValidateScopeSet(opts.Scopes); !v.Valid {
		return fmt.Errorf("unknown scopes %v, supported: %s", v.Invalid, strings.Join(scope.Supported(), ", "))
	}
	role := directory.Role(opts.Role)
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", opts.Role)
	}

	user, err := dir.FindUserByEmail(ctx, email)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		if user, err = dir.CreateUser(ctx, email, ""); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find user: %w", err)
	}

	tenantID := opts.TenantID
	if tenantID == "" {
		name := opts.TenantName
		if name == "" {
			name = email
		}
		tenant, _, err := dir.CreateTenant(ctx, name, user.ID)
		if err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
		tenantID = tenant.ID
	} else if _, err := dir.FindMembership(ctx, tenantID, user.ID); err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("find membership: %w", err)
		}
		if _, err := dir.AddMembership(ctx, tenantID, user.ID, role); err != nil {
			return fmt.Errorf("add membership: %w", err)
		}
	}

	generated, err := auth.GenerateAPIKey(opts.Product)
	if err != nil {
		return err
	}
	record := &directory.APIKey{
		Prefix:   generated.Prefix,
		KeyHash:  generated.Hash,
		UserID:   user.ID,
		TenantID: tenantID,
		Name:     opts.Name,
		Scopes:   scope.Filter(opts.Scopes),
	}
	if opts.ExpiresIn > 0 {
		expires := time.Now().Add(opts.ExpiresIn).UTC()
		record.ExpiresAt = &expires
	}
	if err := dir.StoreAPIKey(ctx, record); err != nil {
		return err
	}

	fmt.Fprintf(out, "API key created (id %s, tenant %s, user %s)\n", record.ID, tenantID, user.ID)
	fmt.Fprintf(out, "Send it in the %s header together with %s: %s\n", auth.DefaultAPIKeyHeader, auth.DefaultTenantHeader, tenantID)
	fmt.Fprintln(out, "The key is shown only once:")
	fmt.Fprintln(out, generated.Plaintext)
	return nil
}

func newEncryptionKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encryption-key",
		Short: "Generate a base64 AES-256 key for storage.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := oauth.GenerateEncryptionKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), oauth.EncryptionKeyToBase64(key))
			return nil
		},
	}
}
