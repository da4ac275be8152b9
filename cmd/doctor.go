package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sentrahq/sentra/internal/config"
	"github.com/sentrahq/sentra/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database connectivity, and provider keys",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("sentra doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Effective config (secrets masked):")
	masked, _ := json.MarshalIndent(cfg.MaskedCopy(), "    ", "  ")
	fmt.Printf("    %s\n", masked)

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.URL == "" {
		fmt.Println("    DATABASE_URL: NOT SET")
	} else {
		db, err := pg.OpenDB(cfg.Database.URL)
		if err != nil {
			fmt.Printf("    Status: CONNECT FAILED (%s)\n", err)
		} else {
			defer db.Close()
			if err := db.Ping(); err != nil {
				fmt.Printf("    Status: PING FAILED (%s)\n", err)
			} else {
				fmt.Println("    Status: OK")
			}
		}
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("ADMIN_KEY", cfg.Admin.Key)
	checkSecret("LLM_API_KEY", cfg.LLM.APIKey)
	checkSecret("MODERATION_API_KEY (optional)", cfg.Moderation.APIKey)
}

func checkSecret(name, value string) {
	status := "NOT SET"
	if value != "" {
		status = "set"
	}
	fmt.Printf("    %-30s %s\n", name+":", status)
}
