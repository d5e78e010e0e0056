package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Issue, list, update, rotate and revoke storefront API keys directly against the key store.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyUpdateCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// keyCommand opens the store and a KeyService for the duration of fn.
func keyCommand(fn func(ctx context.Context, keys *service.KeyService, deps keyDeps) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openKeyStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	keys := newKeyService(settings, store, nil, nil, cliLogger(settings))
	defer keys.Close()

	return fn(context.Background(), keys, keyDeps{lookup: store.GetAPIKey, list: store.ListAPIKeys})
}

// keyDeps exposes store reads across owners. KeyService scopes every read
// to a single owner.
type keyDeps struct {
	lookup func(ctx context.Context, id string) (*model.APIKey, error)
	list   func(ctx context.Context) ([]model.APIKey, error)
}

// ownerOf resolves the owner of keyID so operator commands can act on any
// key.
func (d keyDeps) ownerOf(ctx context.Context, keyID string) (string, error) {
	k, err := d.lookup(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("api key %q: %w", keyID, err)
	}
	return k.OwnerID, nil
}

// ---------- key create ----------

type keyFlags struct {
	name         string
	scopes       []string
	origins      []string
	ips          []string
	rateLimit    int
	monthlyLimit int64
	expiresIn    time.Duration
}

func (f *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Human-readable key name")
	cmd.Flags().StringSliceVar(&f.scopes, "scopes", nil, "Granted scopes, e.g. products:read,cart:write")
	cmd.Flags().StringSliceVar(&f.origins, "origins", nil, "Allowed browser origins (empty: any)")
	cmd.Flags().StringSliceVar(&f.ips, "ips", nil, "Allowed client IPs or CIDRs (empty: any)")
	cmd.Flags().IntVar(&f.rateLimit, "rate-limit", 0, "Requests per 60s window (0: configured default)")
	cmd.Flags().Int64Var(&f.monthlyLimit, "monthly-limit", 0, "Requests per calendar month (0: configured default)")
	cmd.Flags().DurationVar(&f.expiresIn, "expires-in", 0, "Expire the key after this duration (0: never)")
}

func newKeyCreateCmd() *cobra.Command {
	var (
		owner      string
		env        string
		flags      keyFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long:  "Issue a new API key for an owner. The secret is shown once and cannot be retrieved again.",
		Example: `  keygate key create --owner acct_123 --name "Headless storefront" --scopes products:read,cart:write
  keygate key create --owner acct_123 --name CI --env test --ips 10.0.0.0/8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyCommand(func(ctx context.Context, keys *service.KeyService, _ keyDeps) error {
				req := service.IssueRequest{
					OwnerID:             owner,
					Name:                flags.name,
					Environment:         model.Environment(env),
					Scopes:              flags.scopes,
					AllowedOrigins:      flags.origins,
					AllowedIPs:          flags.ips,
					RateLimit:           flags.rateLimit,
					MonthlyRequestLimit: flags.monthlyLimit,
				}
				if flags.expiresIn > 0 {
					at := time.Now().Add(flags.expiresIn).UTC()
					req.ExpiresAt = &at
				}
				issued, err := keys.Issue(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), issued)
				}
				printIssued(cmd.OutOrStdout(), "API key created", issued)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner account ID (required)")
	cmd.Flags().StringVar(&env, "env", string(model.EnvironmentLive), "Key environment: live or test")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	flags.register(cmd)
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")

	return cmd
}

// printIssued shows a new secret. On a terminal it is framed with a
// warning; otherwise only the secret goes to w so it can be captured by a
// script, and the details go to stderr.
func printIssued(w io.Writer, title string, issued *service.IssuedKey) {
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(w, issued.Secret)
		fmt.Fprintf(os.Stderr, "%s: id=%s prefix=%s\n", title, issued.Key.ID, issued.Key.KeyPrefix)
		return
	}

	k := issued.Key
	fmt.Fprintf(w, "%s:\n\n", title)
	fmt.Fprintf(w, "  Key:         %s\n", issued.Secret)
	fmt.Fprintf(w, "  ID:          %s\n", k.ID)
	fmt.Fprintf(w, "  Name:        %s\n", k.Name)
	fmt.Fprintf(w, "  Environment: %s\n", k.Environment)
	if len(k.Scopes) > 0 {
		fmt.Fprintf(w, "  Scopes:      %s\n", strings.Join(k.Scopes, ", "))
	}
	fmt.Fprintf(w, "  Rate limit:  %d/min, %d/month\n", k.RateLimit, k.MonthlyRequestLimit)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Save this key now - it cannot be retrieved again.")
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		status     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyCommand(func(ctx context.Context, keys *service.KeyService, deps keyDeps) error {
				var (
					list []model.APIKey
					err  error
				)
				if owner != "" {
					list, err = keys.List(ctx, owner)
				} else {
					list, err = deps.list(ctx)
				}
				if err != nil {
					return fmt.Errorf("list api keys: %w", err)
				}
				if status != "" {
					filtered := list[:0]
					for _, k := range list {
						if string(k.Status) == status {
							filtered = append(filtered, k)
						}
					}
					list = filtered
				}
				return printKeyList(cmd.OutOrStdout(), list, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list keys of this owner")
	cmd.Flags().StringVar(&status, "status", "", "Only list keys with this status (active, revoked)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printKeyList(w io.Writer, list []model.APIKey, jsonOutput bool) error {
	if jsonOutput {
		if list == nil {
			list = []model.APIKey{}
		}
		return printJSON(w, list)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No API keys found. Use 'keygate key create' to issue one.")
		return nil
	}

	const row = "%-36s %-16s %-5s %-8s %-20s %-10s %s\n"
	fmt.Fprintf(w, row, "ID", "PREFIX", "ENV", "STATUS", "NAME", "MONTH", "OWNER")
	for _, k := range list {
		month := fmt.Sprintf("%d/%d", k.MonthlyRequestCount, k.MonthlyRequestLimit)
		status := string(k.Status)
		if k.RotatedToID != "" && k.IsActive() {
			status = "rotating"
		}
		fmt.Fprintf(w, row, k.ID, k.KeyPrefix, k.Environment, status, k.Name, month, k.OwnerID)
	}
	return nil
}

// ---------- key update ----------

func newKeyUpdateCmd() *cobra.Command {
	var (
		flags      keyFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "update <key-id>",
		Short: "Change the name, policy or limits of an API key",
		Example: `  keygate key update 0192... --scopes products:read
  keygate key update 0192... --rate-limit 600 --origins https://shop.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := flags.patch(cmd)
			if patch.Empty() {
				return fmt.Errorf("nothing to update: pass at least one flag")
			}
			return keyCommand(func(ctx context.Context, keys *service.KeyService, deps keyDeps) error {
				owner, err := deps.ownerOf(ctx, args[0])
				if err != nil {
					return err
				}
				k, err := keys.Update(ctx, args[0], owner, patch)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), k)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated API key %s (%s)\n", k.ID, k.KeyPrefix)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	flags.register(cmd)

	return cmd
}

// patch builds a KeyPatch from the flags the user actually set.
func (f *keyFlags) patch(cmd *cobra.Command) model.KeyPatch {
	var p model.KeyPatch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("scopes") {
		p.Scopes = &f.scopes
	}
	if changed("origins") {
		p.AllowedOrigins = &f.origins
	}
	if changed("ips") {
		p.AllowedIPs = &f.ips
	}
	if changed("rate-limit") {
		p.RateLimit = &f.rateLimit
	}
	if changed("monthly-limit") {
		p.MonthlyRequestLimit = &f.monthlyLimit
	}
	if changed("expires-in") {
		at := time.Now().Add(f.expiresIn).UTC()
		p.ExpiresAt = &at
	}
	return p
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Issue a replacement key and retire the old one after the grace period",
		Long: `Issue a replacement with the same policy. The old key keeps working for
keys.grace_period and is then revoked by the running server's rotation sweep.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyCommand(func(ctx context.Context, keys *service.KeyService, deps keyDeps) error {
				owner, err := deps.ownerOf(ctx, args[0])
				if err != nil {
					return err
				}
				issued, err := keys.Rotate(ctx, args[0], owner)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), issued)
				}
				printIssued(cmd.OutOrStdout(), "Replacement key issued", issued)
				fmt.Fprintf(os.Stderr, "Old key %s stays valid for %s.\n", args[0], keys.GracePeriod())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key immediately",
		Long:  "Revoke an API key. Revocation is permanent; the key is rejected on its next request.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyCommand(func(ctx context.Context, keys *service.KeyService, deps keyDeps) error {
				owner, err := deps.ownerOf(ctx, args[0])
				if err != nil {
					return err
				}
				k, err := keys.Revoke(ctx, args[0], owner, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %s (%s)\n", k.ID, k.KeyPrefix)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "revoked by operator", "Reason recorded on the key")

	return cmd
}
