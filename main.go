package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"airdrop-automation/browser"
	"airdrop-automation/config"
	"airdrop-automation/logger"
	"airdrop-automation/profile"
	"airdrop-automation/ratelimit"
	"airdrop-automation/storage"
	"airdrop-automation/wallet"
)

var (
	configFile  string
	profileFile string
	verbose     bool
	headless    bool
)

func main() {
	// A local .env may carry AIRDROP_* overrides.
	_ = godotenv.Load()

	var rootCmd = &cobra.Command{
		Use:           "airdrop-automation",
		Short:         "Airdrop browser automation tool",
		Long:          `Drives per-profile browser sessions with stable fingerprints, the MetaMask extension and Twitter/Discord accounts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&profileFile, "profile", "", "Profile file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "Run browser in headless mode")

	// Add subcommands
	rootCmd.AddCommand(createOpenCmd())
	rootCmd.AddCommand(createWalletCmd())
	rootCmd.AddCommand(createTwitterCmd())
	rootCmd.AddCommand(createDiscordCmd())
	rootCmd.AddCommand(createStatusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createOpenCmd() *cobra.Command {
	var (
		url   string
		check bool
	)

	var cmd = &cobra.Command{
		Use:   "open",
		Short: "Open a profile's browser and keep it running",
		Long:  `Launch the profile's browser with its fingerprint, import the fingerprint into the tool extension on first run and wait for Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, url, func(ctx context.Context, rt *runtime) error {
				if err := rt.mgr.SyncFingerprintExtension(ctx); err != nil {
					rt.log.WithError(err).Warn("Fingerprint tool extension not synced")
				}
				if check {
					if _, err := rt.mgr.OpenFingerprintCheck(); err != nil {
						rt.log.WithError(err).Warn("Failed to open fingerprint check")
					}
				}
				fmt.Println("Browser is running, press Ctrl-C to close it")
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Page to open in the first tab")
	cmd.Flags().BoolVar(&check, "check", false, "Open a fingerprint test site")
	return cmd
}

func createWalletCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "wallet",
		Short: "Manage the MetaMask extension",
	}

	var create bool
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Initialise a freshly installed extension",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "", func(ctx context.Context, rt *runtime) error {
				tab, err := rt.onboardingTab(ctx)
				if err != nil {
					return err
				}
				return rt.wallet.Setup(ctx, tab, create, rt.profile.Wallet)
			})
		},
	}
	setup.Flags().BoolVar(&create, "create", true, "Create the password, reach home and import the private key")

	unlock := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the extension and switch to mainnet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "", func(ctx context.Context, rt *runtime) error {
				home, err := rt.wallet.ExtensionURL()
				if err != nil {
					return err
				}
				return rt.retry(ctx, "wallet.unlock", func(ctx context.Context) error {
					return rt.withTab(ctx, home, func(tab browser.Tab) error {
						return rt.wallet.IntoHome(ctx, tab, rt.profile.Wallet)
					})
				})
			})
		},
	}

	importMnemonic := &cobra.Command{
		Use:   "import-mnemonic",
		Short: "Restore the wallet from the profile's recovery phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "", func(ctx context.Context, rt *runtime) error {
				if _, err := wallet.ValidateMnemonic(rt.profile.Wallet.Mnemonic); err != nil {
					return err
				}
				tab, err := rt.onboardingTab(ctx)
				if err != nil {
					return err
				}
				if err := rt.wallet.ImportMnemonic(ctx, tab, rt.profile.Wallet.Mnemonic); err != nil {
					return err
				}
				if err := rt.wallet.CreatePassword(ctx, tab); err != nil {
					return err
				}
				return rt.wallet.IntoHome(ctx, tab, rt.profile.Wallet)
			})
		},
	}

	var (
		count int
		out   string
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate wallets with fresh recovery phrases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Wallet.File
			}
			wallets, err := wallet.GenerateWallets(afero.NewOsFs(), out, count)
			if err != nil {
				return err
			}
			fmt.Printf("Generated %d wallets into %s\n", len(wallets), out)
			return nil
		},
	}
	generate.Flags().IntVar(&count, "count", 1, "Number of wallets")
	generate.Flags().StringVar(&out, "out", "", "Output file (default from config)")

	cmd.AddCommand(setup, unlock, importMnemonic, generate)
	return cmd
}

func createTwitterCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "twitter",
		Short: "Twitter (X) account actions",
	}

	var use2FA bool
	login := &cobra.Command{
		Use:   "login",
		Short: "Log in by auth token, or by password and 2FA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "", func(ctx context.Context, rt *runtime) error {
				tab := rt.mgr.MainTab()
				if use2FA {
					return rt.twitter.LoginWith2FA(ctx, tab, rt.profile.Twitter)
				}
				return rt.twitter.LoginByToken(ctx, tab, rt.profile.TwitterAuthToken())
			})
		},
	}
	login.Flags().BoolVar(&use2FA, "2fa", false, "Use username, password and the 2FA secret")
	cmd.AddCommand(login)

	type pageAction struct {
		use, short string
		run        func(ctx context.Context, rt *runtime, tab browser.Tab, text string) error
	}
	for _, a := range []pageAction{
		{"like", "Like the tweet at --url", func(ctx context.Context, rt *runtime, tab browser.Tab, _ string) error {
			return rt.twitter.Like(ctx, tab)
		}},
		{"follow", "Follow the user at --url", func(ctx context.Context, rt *runtime, tab browser.Tab, _ string) error {
			return rt.twitter.Follow(ctx, tab)
		}},
		{"retweet", "Retweet the tweet at --url", func(ctx context.Context, rt *runtime, tab browser.Tab, _ string) error {
			return rt.twitter.Retweet(ctx, tab)
		}},
		{"post", "Post --text from the composer at --url", func(ctx context.Context, rt *runtime, tab browser.Tab, text string) error {
			return rt.twitter.Post(ctx, tab, text)
		}},
		{"comment", "Send the reply prepared at --url", func(ctx context.Context, rt *runtime, tab browser.Tab, _ string) error {
			return rt.twitter.Comment(ctx, tab)
		}},
		{"authorize", "Grant the OAuth consent at --url", func(ctx context.Context, rt *runtime, tab browser.Tab, _ string) error {
			return rt.twitter.Authorize(ctx, tab)
		}},
	} {
		var url, text string
		sub := &cobra.Command{
			Use:   a.use,
			Short: a.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if url == "" {
					return fmt.Errorf("--url is required")
				}
				return withSession(cmd, "", func(ctx context.Context, rt *runtime) error {
					return rt.retry(ctx, "twitter."+a.use, func(ctx context.Context) error {
						return rt.withTab(ctx, url, func(tab browser.Tab) error {
							return a.run(ctx, rt, tab, text)
						})
					})
				})
			},
		}
		sub.Flags().StringVar(&url, "url", "", "Page to act on")
		if a.use == "post" {
			sub.Flags().StringVar(&text, "text", "", "Text to post")
		}
		cmd.AddCommand(sub)
	}
	return cmd
}

func createDiscordCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "discord",
		Short: "Discord account actions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Log in with the profile's Discord token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, "", func(ctx context.Context, rt *runtime) error {
				if rt.profile.Discord == nil {
					return fmt.Errorf("profile has no discord account")
				}
				return rt.discord.LoginByToken(ctx, rt.mgr.MainTab(), rt.profile.Discord.Token)
			})
		},
	})
	return cmd
}

func createStatusCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Show status and statistics",
		Long:  `Display today's workflow statistics, recent runs and the configured limits.`,
		RunE:  runStatus,
	}

	return cmd
}

// Command runners

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	// Initialize database
	db, err := storage.NewDatabase(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// Get daily stats
	stats, err := db.GetDailyStats(time.Now())
	if err != nil {
		return fmt.Errorf("failed to get daily stats: %w", err)
	}

	var profileDir string
	if profileFile != "" {
		p, err := profile.Load(afero.NewOsFs(), profileFile)
		if err != nil {
			return err
		}
		profileDir = p.UserDataPath
	}
	runs, err := db.GetRuns(profileDir, 10)
	if err != nil {
		return fmt.Errorf("failed to get runs: %w", err)
	}

	// Display status
	fmt.Printf("Airdrop Automation Status\n")
	fmt.Printf("=========================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Database: %s\n", cfg.Storage.Path)
	fmt.Printf("  Headless: %v\n", cfg.Browser.Headless)
	fmt.Printf("\n")
	fmt.Printf("Daily Statistics:\n")
	fmt.Printf("  Workflow runs: %d\n", stats["runs"])
	fmt.Printf("  Completed: %d\n", stats["runs_completed"])
	fmt.Printf("  Stopped early: %d\n", stats["runs_stopped"])
	fmt.Printf("  Steps performed: %d\n", stats["steps_performed"])
	fmt.Printf("  Steps not available: %d\n", stats["steps_not_available"])
	fmt.Printf("\n")
	fmt.Printf("Limits (hourly/daily):\n")
	actions := make([]string, 0, len(cfg.Limits.Actions))
	for a := range cfg.Limits.Actions {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		l := cfg.Limits.Actions[ratelimit.ActionType(a)]
		fmt.Printf("  %-8s %s/%s, %s apart\n", a, limitString(l.Hourly), limitString(l.Daily), l.Delay)
	}

	if len(runs) > 0 {
		fmt.Printf("\nRecent runs:\n")
		for _, r := range runs {
			line := fmt.Sprintf("  %s  %-28s %-9s %s", r.Started.Format("2006-01-02 15:04:05"), r.Workflow, r.Status, r.Elapsed().Round(time.Millisecond))
			if r.Error != "" {
				line += "  " + truncate(r.Error, 60)
			}
			fmt.Println(line)
		}
	}
	return nil
}

// Helper functions

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) error {
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	return logger.InitLogger(level, cfg.Format, cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
}

func limitString(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprint(n)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// exitStatus maps a command error to the status stored for its session.
func exitStatus(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	default:
		return "failed"
	}
}
