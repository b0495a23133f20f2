package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsletter/internal/scheduler"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old failed and cancelled schedules",
	RunE:  runCleanup,
}

var (
	cleanupRetention time.Duration
	cleanupDryRun    bool
)

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "Delete schedules older than this (default: cleanup.retention from config)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be deleted without actually deleting")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cleanupRetention > 0 {
		cfg.Cleanup.Retention = cleanupRetention
	}
	if cfg.Cleanup.Retention <= 0 {
		return fmt.Errorf("retention must be positive (set cleanup.retention or --retention)")
	}

	application, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	if cleanupDryRun {
		fmt.Println("Dry run mode - no data will be deleted")
		fmt.Println()
	}

	n, err := application.Cleaner().Run(context.Background(), cleanupDryRun)
	if err != nil {
		return fmt.Errorf("failed to cleanup schedules: %w", err)
	}

	fmt.Printf("Schedules with status %v older than %s: %d\n", scheduler.CleanupStatuses, cfg.Cleanup.Retention, n)
	if !cleanupDryRun {
		fmt.Printf("  Deleted: %d\n", n)
		fmt.Println("\nCleanup completed")
	}

	return nil
}
