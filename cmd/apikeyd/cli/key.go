package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke, rotate, delete and verify API keys directly against the configured store.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyVerifyCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner       string
		req         model.CreateKeyRequest
		rateLimit   int
		quota       int
		expiresIn   time.Duration
		jsonOutput  bool
		allowedFrom []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Issue a key for an owner. The raw key is shown once and cannot be retrieved again.",
		Example: `  apikeyd key create --owner acme --name "CI pipeline" --scope deploy
  apikeyd key create --owner acme --name partner --allow 203.0.113.0/24 --rate-limit 30 --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("rate-limit") {
				req.RateLimitPerMinute = &rateLimit
			}
			if cmd.Flags().Changed("daily-quota") {
				req.DailyUsageQuota = &quota
			}
			if expiresIn > 0 {
				exp := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &exp
			}
			req.AllowedIPAddresses = allowedFrom

			return withApp(cmd.Context(), func(a *app) error {
				k, raw, err := a.mgr.Create(cmd.Context(), owner, req)
				if err != nil {
					return fmt.Errorf("create key: %w", err)
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, model.CreateKeyResponse{
						ID: k.ID, Name: k.Name, APIKey: raw, KeyPrefix: k.KeyPrefix,
						Scopes: k.Scopes, CreatedAt: k.CreatedAt, ExpiresAt: k.ExpiresAt,
					})
				}
				fmt.Fprintln(out, "API key created:")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "  ID:    %s\n", k.ID)
				fmt.Fprintf(out, "  Key:   %s\n", raw)
				fmt.Fprintf(out, "  Owner: %s\n", k.OwnerID)
				if len(k.Scopes) > 0 {
					fmt.Fprintf(out, "  Scopes: %s\n", strings.Join(k.Scopes, ", "))
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Human-readable key name (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "Key description")
	cmd.Flags().StringSliceVar(&req.Scopes, "scope", nil, "Permission scope (repeatable)")
	cmd.Flags().StringSliceVar(&allowedFrom, "allow", nil, "Allowed IP or CIDR (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute")
	cmd.Flags().IntVar(&quota, "daily-quota", 0, "Successful verifications per UTC day")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this duration")
	cmd.Flags().BoolVar(&req.EnforceHTTPS, "require-https", false, "Reject requests that did not arrive over HTTPS")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				keys, err := a.mgr.List(cmd.Context(), owner)
				if err != nil {
					return fmt.Errorf("list keys: %w", err)
				}
				if jsonOutput {
					if keys == nil {
						keys = []model.APIKey{}
					}
					return printJSON(cmd.OutOrStdout(), keys)
				}
				if len(keys) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No API keys. Use 'apikeyd key create' to create one.")
					return nil
				}
				writeKeyTable(cmd.OutOrStdout(), keys)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list keys of this owner")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func writeKeyTable(w io.Writer, keys []model.APIKey) {
	now := time.Now()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPREFIX\tOWNER\tNAME\tSTATUS\tRATE/MIN\tQUOTA/DAY\tTODAY")
	for i := range keys {
		k := &keys[i]
		status := string(k.Status)
		if !model.IsRevoked(k) && model.IsExpired(k, now) {
			status = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			k.ID, k.KeyPrefix, k.OwnerID, k.Name, status,
			k.RateLimitPerMinute, k.DailyUsageQuota, model.TodayUsage(k, now))
	}
	_ = tw.Flush()
}

// ---------- key revoke / rotate / delete ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Permanently revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				k, err := a.mgr.Revoke(cmd.Context(), "", args[0])
				if err != nil {
					return fmt.Errorf("revoke key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (%s)\n", k.ID, k.KeyPrefix)
				return nil
			})
		},
	}
}

func newKeyRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Replace a key's secret, keeping its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				k, raw, err := a.mgr.Rotate(cmd.Context(), "", args[0])
				if err != nil {
					return fmt.Errorf("rotate key: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Rotated %s\n", k.ID)
				fmt.Fprintf(out, "  New key: %s\n", raw)
				fmt.Fprintln(out, "  The previous key no longer works.")
				return nil
			})
		},
	}
}

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key and its usage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.mgr.Delete(cmd.Context(), "", args[0]); err != nil {
					return fmt.Errorf("delete key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// ---------- key verify ----------

func newKeyVerifyCmd() *cobra.Command {
	var (
		clientIP string
		endpoint string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "verify <raw-key>",
		Short: "Run a key through the verification pipeline",
		Long: `Verify a raw key the way the server would. A successful check counts against
the key's rate limit and daily quota and is recorded in its usage log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				v, err := a.pipeline.Verify(cmd.Context(), args[0], service.RequestInfo{
					Method:   "CLI",
					Endpoint: endpoint,
					ClientIP: clientIP,
					IsHTTPS:  !insecure,
				})
				if err != nil {
					return fmt.Errorf("verify key: %w", err)
				}
				out := cmd.OutOrStdout()
				if !v.Valid {
					fmt.Fprintf(out, "invalid (%s)\n", v.Reason)
					return nil
				}
				fmt.Fprintf(out, "valid: key %s, owner %s, scopes [%s]\n", v.KeyID, v.OwnerID, strings.Join(v.Scopes, ", "))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&clientIP, "ip", "127.0.0.1", "Client IP to check against the allow-list")
	cmd.Flags().StringVar(&endpoint, "endpoint", "cli:verify", "Endpoint recorded in the usage log")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Treat the request as plain HTTP")

	return cmd
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "usage <key-id>",
		Short: "Show a key's counters and recent usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				rep, err := a.mgr.Usage(cmd.Context(), "", args[0], limit)
				if err != nil {
					return fmt.Errorf("key usage: %w", err)
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, rep)
				}
				fmt.Fprintf(out, "Key %s\n", rep.KeyID)
				fmt.Fprintf(out, "  total:      %d\n", rep.UsageCount)
				fmt.Fprintf(out, "  today:      %d / %d\n", rep.TodayUsageCount, rep.DailyUsageQuota)
				fmt.Fprintf(out, "  this minute: %d / %d\n", rep.CurrentMinuteCount, rep.RateLimitPerMinute)
				if rep.LastUsedAt != nil {
					fmt.Fprintf(out, "  last used:  %s\n", rep.LastUsedAt.Format(time.RFC3339))
				}
				if len(rep.Recent) == 0 {
					return nil
				}
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tMETHOD\tENDPOINT\tSTATUS\tCLIENT")
				for _, e := range rep.Recent {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						e.Timestamp.Format(time.RFC3339), e.Method, e.Endpoint, e.StatusCode, e.ClientIP)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
