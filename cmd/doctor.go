package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/pirelay/relay/internal/config"
	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/sandbox/docker"
	"github.com/pirelay/relay/internal/sandbox/microvm"
	"github.com/pirelay/relay/internal/secrets"
	"github.com/pirelay/relay/internal/store/sqldb"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("pirelay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	if _, err := secrets.NewCipher(cfg.Encryption.Key, cfg.Encryption.KeyVersion); err != nil {
		fmt.Printf("  Encryption key: FAIL\n    %s\n", err)
	} else {
		fmt.Printf("  Encryption key: OK (version %d)\n", cfg.Encryption.KeyVersion)
	}
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println("  Database:")
	driver, dsn := cfg.DSN()
	fmt.Printf("    %-10s %s\n", "Driver:", driver)
	db, err := sqldb.Open(sqldb.Driver(driver), dsn)
	if err != nil {
		fmt.Printf("    %-10s FAIL (%s)\n", "Connect:", err)
	} else {
		fmt.Printf("    %-10s OK\n", "Connect:")
		var version int
		var dirty bool
		row := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1")
		if err := row.Scan(&version, &dirty); err != nil {
			fmt.Printf("    %-10s none applied (run: pirelay migrate up)\n", "Schema:")
		} else if dirty {
			fmt.Printf("    %-10s version %d DIRTY (run: pirelay migrate force)\n", "Schema:", version)
		} else {
			fmt.Printf("    %-10s version %d\n", "Schema:", version)
		}
		db.Close()
	}
	fmt.Println()

	fmt.Println("  Sandbox backends:")
	if cfg.Sandbox.DockerDisabled {
		fmt.Printf("    %-10s disabled by config\n", "docker:")
	} else {
		probeProvider(ctx, func() (sandbox.Provider, error) {
			return docker.New(cfg.Sandbox.StateDir, cfg.Sandbox.SecretsBaseDir)
		})
	}
	if cfg.Sandbox.MicroVMSocket == "" {
		fmt.Printf("    %-10s not configured\n", "microvm:")
	} else {
		probeProvider(ctx, func() (sandbox.Provider, error) {
			return microvm.New(cfg.Sandbox.MicroVMSocket, cfg.Sandbox.SecretsBaseDir), nil
		})
	}
	fmt.Printf("    %-10s probed per environment at session create\n", "worker:")
}

func probeProvider(ctx context.Context, build func() (sandbox.Provider, error)) {
	p, err := build()
	if err != nil {
		fmt.Printf("    %-10s FAIL (%s)\n", "docker:", err)
		return
	}
	label := p.Key() + ":"
	if err := p.IsAvailable(ctx); err != nil {
		fmt.Printf("    %-10s FAIL (%s)\n", label, err)
		return
	}
	fmt.Printf("    %-10s OK\n", label)
}
