// cmd/seeder/main.go loads fixture data into the forwarder database.
//
//	seeder seed/targets.txt seed/history.sql
//
// Files ending in .sql are executed as-is, without placeholder rebinding. Anything else is read as a
// configuration backup and replaces the stored targets.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/unclebandit/smsforward/internal/app"
	"github.com/unclebandit/smsforward/internal/config"
	"github.com/unclebandit/smsforward/internal/logger"
)

var defaultSeedFiles = []string{
	"seed/targets.txt",
}

func main() {
	cfg, err := config.Load(os.Getenv("FORWARDER_CONFIG"))
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	if err := logger.Init(cfg.Log.Path, cfg.Log.Level); err != nil {
		log.Fatal("failed to init logger:", err)
	}
	defer logger.Sync()

	files := os.Args[1:]
	if len(files) == 0 {
		files = defaultSeedFiles
	}
	if err := seed(context.Background(), cfg, files, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func seed(ctx context.Context, cfg *config.Config, files []string, out io.Writer) error {
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Bootstrap(ctx); err != nil {
		return err
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		if strings.EqualFold(filepath.Ext(file), ".sql") {
			// raw handle: fixture text is dialect-native and may contain literal '?'
			if _, err := a.DB.DB.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("failed to execute %s: %w", file, err)
			}
		} else {
			targets, err := a.ConfigService.ImportConfig(ctx, strings.TrimSpace(string(content)))
			if err != nil {
				return fmt.Errorf("failed to import %s: %w", file, err)
			}
			fmt.Fprintf(out, "Imported %d target(s) from %s\n", len(targets), file)
		}
		fmt.Fprintf(out, "Seeded: %s\n", file)
	}

	fmt.Fprintln(out, "Database seeding completed successfully!")
	return nil
}
