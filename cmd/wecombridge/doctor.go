package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wecombridge/internal/config"
	"wecombridge/internal/session"
	"wecombridge/internal/wecom"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge setup",
		Long: `Verifies that the configuration, WeCom credentials, data directories, session
database and upstream gateway are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wecombridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config source
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using environment", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrEnvironment(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\nRun 'wecombridge init' or set WECOM_TOKEN, WECOM_ENCODING_AES_KEY and OPENCLAW_API.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++
			logger.Debug("effective config", configSummary(cfg)...)

			// 3. AES key decodes and round-trips
			if err := checkCodec(cfg.WeCom); err != nil {
				printFail("EncodingAESKey", err.Error())
				failed++
			} else {
				printPass("EncodingAESKey", "decodes to a 32-byte key")
				passed++
			}

			// 4. Data directory writable
			if err := checkWritableDir(cfg.General.DataDir); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.General.DataDir)
				passed++
			}

			// 5. Session database
			if cfg.Session.Enabled {
				if detail, err := checkSessions(cmd.Context(), cfg.Session.DBPath); err != nil {
					printFail("Session database", err.Error())
					failed++
				} else {
					printPass("Session database", detail)
					passed++
				}
			} else {
				printWarn("Session database", "disabled, reset commands are not available")
				warned++
			}

			// 6. Media directory
			if cfg.Media.Enabled {
				if err := checkWritableDir(cfg.Media.Dir); err != nil {
					printFail("Media directory", err.Error())
					failed++
				} else {
					printPass("Media directory", cfg.Media.Dir)
					passed++
				}
			}

			// 7. Upstream gateway
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			upstream := newUpstream(cfg.Upstream)
			err = upstream.Healthy(ctx)
			cancel()
			if err != nil {
				printFail("Upstream", err.Error())
				failed++
			} else {
				printPass("Upstream", cfg.Upstream.URL)
				passed++
			}
			if cfg.Upstream.Token == "" {
				printWarn("Upstream token", "not set, requests are unauthenticated")
				warned++
			}

			// 8. Listen port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Listen port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				passed++
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := checkWritableDir(filepath.Dir(cfg.General.LogFile)); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running 'wecombridge serve'.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe bridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The bridge is ready to serve.\n")
			}
			return nil
		},
	}
}

// checkCodec seals and opens a probe message with the configured key.
func checkCodec(cfg config.WeComConfig) error {
	codec, err := wecom.NewCodec(cfg.Token, cfg.EncodingAESKey, cfg.ReceiverID)
	if err != nil {
		return err
	}
	sealed, err := codec.Encrypt("doctor")
	if err != nil {
		return err
	}
	msg, err := codec.DecryptFor(sealed)
	if err != nil {
		return err
	}
	if msg != "doctor" {
		return fmt.Errorf("round trip returned %q", msg)
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkSessions opens (and migrates) the store and summarizes the last day.
func checkSessions(ctx context.Context, dbPath string) (string, error) {
	store, err := session.Open(dbPath, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return "", fmt.Errorf("cannot ping: %w", err)
	}
	counts, err := store.StatusCounts(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return "", err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return fmt.Sprintf("%s (%d streams in 24h)", dbPath, total), nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
