package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mangasync/internal/auth"
	"mangasync/internal/errs"
	"mangasync/internal/scraper"
	"mangasync/pkg/database"
	"mangasync/pkg/kvstore"
	"mangasync/pkg/models"
	"mangasync/pkg/utils"
)

const defaultBaseURL = "http://localhost:8080"

var (
	apiURL     string
	tokenPath  string
	configPath string
	cfg        utils.Config
	client     = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mangasync",
	Short:         "Operate the crawl scheduler",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is loaded after flag defaults were computed
		if !cmd.Flags().Changed("api") {
			apiURL = envOr("MANGAHUB_API_URL", apiURL)
		}
		if !cmd.Flags().Changed("config") {
			configPath = envOr("MANGAHUB_CONFIG", configPath)
		}
		var err error
		cfg, err = utils.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultBaseURL, "API base URL")
	rootCmd.PersistentFlags().StringVar(&tokenPath, "token", defaultTokenPath(), "token file path")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	tokenIssueCmd.Flags().String("operator", "", "operator name")
	tokenIssueCmd.Flags().String("role", auth.RoleOperator, "operator or viewer")
	tokenIssueCmd.Flags().Bool("save", false, "store the token in the token file")
	tokenRevokeCmd.Flags().String("operator", "", "operator name")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd)

	sourcesListCmd.Flags().String("source", "", "filter by source name")
	sourcesListCmd.Flags().String("tier", "", "filter by tier (A, B, C)")
	sourcesListCmd.Flags().String("disabled", "", "filter by disabled flag")
	sourcesListCmd.Flags().Int("limit", 20, "page size")
	sourcesListCmd.Flags().Int("offset", 0, "page offset")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesShowCmd)

	overrideCmd.Flags().String("series", "", "series id to pin the entry to")

	deadListCmd.Flags().String("job", "", "filter by job name")
	deadListCmd.Flags().Int("limit", 50, "page size")
	deadListCmd.Flags().Int("offset", 0, "page offset")
	deadLettersCmd.AddCommand(deadListCmd, deadShowCmd, deadDeleteCmd)

	eventsCmd.Flags().Bool("pretty", true, "pretty print JSON events")
	fetchCmd.Flags().Duration("timeout", 30*time.Second, "fetch timeout")

	rootCmd.AddCommand(migrateCmd, tokenCmd, logoutCmd, healthCmd, limitsCmd, sourcesCmd,
		syncCmd, resolveCmd, overrideCmd, deadLettersCmd, eventsCmd, fetchCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, err := database.Open(ctx, database.Config{URL: cfg.Database.URL, MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		fmt.Println("✅ schema applied")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or revoke operator tokens",
}

// tokenIssueCmd signs locally with the configured secret; it needs Redis
// for the operator's current token version.
var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token for an operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, _ := cmd.Flags().GetString("operator")
		role, _ := cmd.Flags().GetString("role")
		save, _ := cmd.Flags().GetBool("save")
		if operator == "" {
			return fmt.Errorf("--operator is required")
		}
		if role != auth.RoleOperator && role != auth.RoleViewer {
			return fmt.Errorf("--role must be %s or %s", auth.RoleOperator, auth.RoleViewer)
		}

		versions, closeFn, err := openVersions(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		version, err := versions.Get(cmd.Context(), operator)
		if err != nil {
			return err
		}

		tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTDuration)
		raw, exp, err := tokens.Sign(operator, role, version)
		if err != nil {
			return err
		}
		if save {
			if err := saveToken(tokenPath, raw); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Printf("✅ token saved to %s (expires %s)\n", tokenPath, exp.Format(time.RFC3339))
			return nil
		}
		fmt.Println(raw)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke every token of an operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, _ := cmd.Flags().GetString("operator")
		if operator == "" {
			return fmt.Errorf("--operator is required")
		}
		versions, closeFn, err := openVersions(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		v, err := versions.Revoke(cmd.Context(), operator)
		if err != nil {
			return err
		}
		fmt.Printf("✅ tokens of %s revoked (version %d)\n", operator, v)
		return nil
	},
}

func openVersions(ctx context.Context) (*auth.TokenVersions, func(), error) {
	rdb, err := kvstore.Open(ctx, kvstore.Config{URL: cfg.Redis.URL, Prefix: cfg.Redis.Prefix})
	if err != nil {
		return nil, nil, err
	}
	return auth.NewTokenVersions(rdb, kvstore.NewKeys(cfg.Redis.Prefix)), func() { _ = rdb.Close() }, nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored token on the server and forget it",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(tokenPath)
		if err == nil {
			if err := doJSON(cmd.Context(), client, http.MethodPost, apiURL+"/auth/revoke", token, nil, nil); err != nil {
				return err
			}
		}
		if err := clearToken(tokenPath); err != nil {
			return err
		}
		fmt.Println("✅ logged out")
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show load status and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/system/health")
	},
}

var limitsCmd = &cobra.Command{
	Use:   "limits <source>",
	Short: "Show a source's rate limit bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/limits/"+url.PathEscape(args[0]))
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect series-sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List series-sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"source", "tier", "disabled"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		return getAndPrint(cmd.Context(), "/series-sources?"+q.Encode())
	},
}

var sourcesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a series-source with its negative cache state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/series-sources/"+url.PathEscape(args[0]))
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <series-source-id>",
	Short: "Request a sync (still subject to admission control)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint(cmd.Context(), http.MethodPost, "/series-sources/"+url.PathEscape(args[0])+"/sync", nil)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <entry-id>",
	Short: "Retry metadata resolution for a library entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint(cmd.Context(), http.MethodPost, "/library/"+url.PathEscape(args[0])+"/resolve", nil)
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <entry-id>",
	Short: "Pin a library entry to a series by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		series, _ := cmd.Flags().GetString("series")
		if series == "" {
			return fmt.Errorf("--series is required")
		}
		return postAndPrint(cmd.Context(), http.MethodPut, "/library/"+url.PathEscape(args[0])+"/override",
			map[string]string{"series_id": series})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "Inspect dead-lettered jobs",
}

var deadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if job, _ := cmd.Flags().GetString("job"); job != "" {
			q.Set("job", job)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		return getAndPrint(cmd.Context(), "/dead-letters?"+q.Encode())
	},
}

var deadShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/dead-letters/"+url.PathEscape(args[0]))
	},
}

var deadDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(tokenPath)
		if err != nil {
			return fmt.Errorf("token not found, run 'token issue --save': %w", err)
		}
		if err := doJSON(cmd.Context(), client, http.MethodDelete, apiURL+"/dead-letters/"+url.PathEscape(args[0]), token, nil, nil); err != nil {
			return err
		}
		fmt.Println("✅ deleted")
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the live event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(tokenPath)
		if err != nil {
			return fmt.Errorf("token not found, run 'token issue --save': %w", err)
		}
		pretty, _ := cmd.Flags().GetBool("pretty")
		wsURL, err := websocketURL(apiURL, "/ws", token)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tailEvents(ctx, wsURL, pretty)
	},
}

// fetchCmd calls a configured source directly, bypassing the queue and the
// shared rate limiter. Meant for checking a source adapter by hand.
var fetchCmd = &cobra.Command{
	Use:   "fetch <source> <source-series-id>",
	Short: "Fetch chapters from a source without queueing anything",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		registry := scraper.FromConfig(cfg.Sources)
		src, ok := registry.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown source %q (configured: %s)", args[0], strings.Join(registry.Names(), ", "))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		records, err := src.FetchChapters(ctx, models.SeriesSource{SourceName: src.Name(), SourceSeriesID: args[1]})
		if err != nil {
			return fmt.Errorf("fetch failed (%s): %w", errs.KindOf(err), err)
		}
		printJSON(records)
		fmt.Fprintf(os.Stderr, "%d chapters\n", len(records))
		return nil
	},
}

func getAndPrint(ctx context.Context, path string) error {
	return postAndPrint(ctx, http.MethodGet, path, nil)
}

func postAndPrint(ctx context.Context, method, path string, payload any) error {
	token, err := readToken(tokenPath)
	if err != nil {
		return fmt.Errorf("token not found, run 'token issue --save': %w", err)
	}
	var out any
	if err := doJSON(ctx, client, method, apiURL+path, token, payload, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
