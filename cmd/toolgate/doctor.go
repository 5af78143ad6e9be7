package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"toolgate/internal/browser"
	"toolgate/internal/config"
	"toolgate/internal/credential"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your toolgate installation",
		Long: `Verifies that toolgate's configuration, credentials, SQLite engine,
output directories and listen port are correctly set up. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("toolgate doctor v%s\n", version)
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
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Credentials and capability status
			catalog, err := buildCapabilities(cfg, nil, nil)
			if err != nil {
				printFail("Catalog", err.Error())
				failed++
			} else {
				names := credential.Names(catalog.Descriptors())
				resolver := credential.NewResolver(credential.Capture(names, cfg.CredentialLookup(os.LookupEnv)))
				for _, name := range names {
					if resolver.Snapshot().Present(name) {
						printPass("Credential", name)
						passed++
					} else {
						printWarn("Credential", name+" not set")
						warned++
					}
				}
				counts := map[credential.Status]int{}
				for _, d := range catalog.Descriptors() {
					counts[resolver.Check(d).Status]++
				}
				detail := fmt.Sprintf("%d available, %d degraded, %d unavailable",
					counts[credential.StatusAvailable], counts[credential.StatusDegraded], counts[credential.StatusUnavailable])
				if counts[credential.StatusUnavailable] > 0 {
					printWarn("Capabilities", detail)
					warned++
				} else {
					printPass("Capabilities", detail)
					passed++
				}
			}

			// 4. SQLite engine used by data analysis
			if err := checkSQLite(); err != nil {
				printFail("SQLite", err.Error())
				failed++
			} else {
				printPass("SQLite", "in-memory engine ok")
				passed++
			}

			// 5. Music output directory writable
			if err := checkWritableDir(cfg.Tools.Music.OutputDir); err != nil {
				printFail("Music output", err.Error())
				failed++
			} else {
				printPass("Music output", cfg.Tools.Music.OutputDir)
				passed++
			}

			// 6. Headless browser
			if b := cfg.Tools.Scrape.Browser; b.Enabled {
				if path, ok := browser.FindChrome(b.ExecPath); ok {
					printPass("Browser", path)
					passed++
				} else {
					printWarn("Browser", "enabled but no Chrome binary found")
					warned++
				}
			}

			// 7. Listen port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Listen port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				passed++
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
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
				fmt.Printf("\nPlease fix the failed checks before running toolgate.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ntoolgate will start, but capabilities that need missing credentials answer 503.\n")
			} else {
				fmt.Printf("\nAll checks passed! toolgate is ready to serve.\n")
			}
			return nil
		},
	}
}

func checkSQLite() error {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "CREATE TABLE _doctor (v REAL)"); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO _doctor VALUES (1.5), (2.5)"); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	var avg float64
	if err := db.QueryRowContext(ctx, "SELECT AVG(v) FROM _doctor").Scan(&avg); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if avg != 2 {
		return fmt.Errorf("unexpected aggregate %v", avg)
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
	f.Close()
	return os.Remove(f.Name())
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
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
