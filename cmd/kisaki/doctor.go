package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"kisaki/internal/config"
	"kisaki/internal/settings"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your kisaki installation",
		Long: `Verifies that kisaki's configuration, data directory, settings database,
and surface port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("kisaki doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Data directory
			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.General.DataDir)
				passed++
			}

			// 4. Settings database
			if err := checkDatabase(cfg.Settings.DBPath); err != nil {
				printFail("Settings database", err.Error())
				failed++
			} else {
				printPass("Settings database", cfg.Settings.DBPath)
				passed++
			}

			// 5. Host instance and port
			hostRunning := false
			lock := flock.New(filepath.Join(cfg.General.DataDir, "kisaki.lock"))
			if ok, err := lock.TryLock(); err == nil && ok {
				_ = lock.Unlock()
			} else if err == nil {
				hostRunning = true
			}
			switch {
			case hostRunning:
				printPass("Host", "running ("+cfg.IPC.URL()+")")
				passed++
			default:
				if err := checkPort(cfg.IPC.Addr()); err != nil {
					printWarn("Surface port", fmt.Sprintf("%s may be in use: %v", cfg.IPC.Addr(), err))
					warned++
				} else {
					printPass("Surface port", cfg.IPC.Addr()+" available")
					passed++
				}
			}

			// 6. Rate limits
			if len(cfg.Network.RateLimits) == 0 {
				printWarn("Rate limits", "none configured; every host is unlimited")
				warned++
			} else {
				for _, key := range cfg.Network.RateLimitKeys() {
					rl := cfg.Network.RateLimits[key]
					printPass("Rate limit: "+key, fmt.Sprintf("%d per %s", rl.MaxRequests, rl.Window()))
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running kisaki.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nkisaki should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! kisaki is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the settings store, which also applies migrations, and
// round-trips a probe value.
func checkDatabase(dbPath string) error {
	store, err := settings.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const probe = "doctor.probe"
	if err := store.Set(ctx, probe, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return store.Delete(ctx, probe)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
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
