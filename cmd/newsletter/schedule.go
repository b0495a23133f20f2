package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/foxzi/newsletter/internal/scheduler"
)

var (
	scheduleSubject    string
	scheduleTemplate   string
	scheduleAt         string
	scheduleIn         time.Duration
	scheduleCategories []int64
	scheduleFrequency  string
	scheduleActive     bool
	scheduleVerified   bool

	scheduleListStatus string
	scheduleListWindow string
	scheduleListPage   int
	scheduleListSize   int

	scheduleJSON bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Newsletter schedule commands",
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending schedule",
	RunE:  runScheduleCreate,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE:  runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <schedule_id>",
	Short: "Show schedule details",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <schedule_id>",
	Short: "Cancel a pending schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCancel,
}

var scheduleProcessCmd = &cobra.Command{
	Use:   "process <schedule_id>",
	Short: "Send a pending schedule now and wait for the outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleProcess,
}

var scheduleStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show schedule counts by status",
	RunE:  runScheduleStats,
}

func init() {
	f := scheduleCreateCmd.Flags()
	f.StringVar(&scheduleSubject, "subject", "", "Email subject (required)")
	f.StringVar(&scheduleTemplate, "template", "", "Template key (default: default)")
	f.StringVar(&scheduleAt, "at", "", "Send time in RFC 3339, e.g. 2026-10-20T09:00:00Z")
	f.DurationVar(&scheduleIn, "in", 0, "Send after this delay instead of --at")
	f.Int64SliceVar(&scheduleCategories, "category", nil, "Category IDs to target (repeatable)")
	f.StringVar(&scheduleFrequency, "frequency", "", "Frequency filter (daily, weekly, monthly)")
	f.BoolVar(&scheduleActive, "active-only", true, "Only send to active subscribers")
	f.BoolVar(&scheduleVerified, "verified-only", true, "Only send to verified subscribers")
	scheduleCreateCmd.MarkFlagRequired("subject")

	scheduleListCmd.Flags().StringVar(&scheduleListStatus, "status", "", "Filter by status (pending, processing, sent, failed, cancelled)")
	scheduleListCmd.Flags().StringVar(&scheduleListWindow, "window", "", "Filter by send time (today, week, month)")
	scheduleListCmd.Flags().IntVar(&scheduleListPage, "page", 1, "Page number")
	scheduleListCmd.Flags().IntVar(&scheduleListSize, "page-size", scheduler.DefaultPageSize, "Schedules per page")

	for _, c := range []*cobra.Command{scheduleShowCmd, scheduleProcessCmd, scheduleStatsCmd} {
		c.Flags().BoolVar(&scheduleJSON, "json", false, "Print JSON")
	}

	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleListCmd, scheduleShowCmd,
		scheduleCancelCmd, scheduleProcessCmd, scheduleStatsCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// withService runs fn against a schedule service built from the config file
func withService(fn func(ctx context.Context, svc *scheduler.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	application, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	return fn(context.Background(), application.Service())
}

func scheduledTime() (time.Time, error) {
	switch {
	case scheduleAt != "" && scheduleIn != 0:
		return time.Time{}, fmt.Errorf("use either --at or --in, not both")
	case scheduleAt != "":
		t, err := time.Parse(time.RFC3339, scheduleAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t, nil
	case scheduleIn > 0:
		return time.Now().Add(scheduleIn), nil
	default:
		return time.Time{}, fmt.Errorf("send time is required (use --at or --in)")
	}
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	at, err := scheduledTime()
	if err != nil {
		return err
	}
	frequency, ok := models.ParseFrequency(scheduleFrequency)
	if !ok {
		return fmt.Errorf("--frequency must be daily, weekly or monthly")
	}

	in := models.ScheduleInput{
		Subject:         scheduleSubject,
		TemplateKey:     scheduleTemplate,
		ScheduledAt:     at,
		CategoryFilter:  scheduleCategories,
		FrequencyFilter: frequency,
	}
	if cmd.Flags().Changed("active-only") {
		in.ActiveOnly = &scheduleActive
	}
	if cmd.Flags().Changed("verified-only") {
		in.VerifiedOnly = &scheduleVerified
	}

	return withService(func(ctx context.Context, svc *scheduler.Service) error {
		sch, err := svc.Create(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}
		fmt.Printf("Schedule created: %s\n", sch.ID)
		fmt.Printf("  Scheduled at: %s\n", sch.ScheduledAt.Local().Format(time.RFC3339))
		return nil
	})
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *scheduler.Service) error {
		result, err := svc.List(ctx, scheduler.ListQuery{
			Status:   models.ScheduleStatus(scheduleListStatus),
			Window:   scheduleListWindow,
			Page:     scheduleListPage,
			PageSize: scheduleListSize,
		})
		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}

		if len(result.Schedules) == 0 {
			fmt.Println("No schedules found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSCHEDULED\tSUBJECT\tSENT\tERRORS")
		for _, s := range result.Schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\n",
				s.ID,
				s.Status,
				s.ScheduledAt.Local().Format("2006-01-02 15:04"),
				truncate(s.Subject, 40),
				s.SuccessCount, s.RecipientCount,
				s.ErrorCount,
			)
		}
		w.Flush()

		fmt.Printf("\nPage %d of %d (%d schedules)\n", result.Page, result.TotalPages, result.Total)
		return nil
	})
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *scheduler.Service) error {
		sch, err := svc.Get(ctx, args[0])
		if err != nil {
			return err
		}
		printSchedule(sch)
		return nil
	})
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *scheduler.Service) error {
		if _, err := svc.Cancel(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to cancel schedule: %w", err)
		}
		fmt.Printf("Schedule %s cancelled\n", args[0])
		return nil
	})
}

func runScheduleProcess(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *scheduler.Service) error {
		sch, err := svc.ProcessByID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to process schedule: %w", err)
		}
		printSchedule(sch)
		return nil
	})
}

func runScheduleStats(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *scheduler.Service) error {
		stats, err := svc.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		if scheduleJSON {
			return printJSON(stats)
		}

		fmt.Println("Schedule Statistics")
		fmt.Println("===================")
		fmt.Printf("Pending:    %d\n", stats.Pending)
		fmt.Printf("Processing: %d\n", stats.Processing)
		fmt.Printf("Sent:       %d\n", stats.Sent)
		fmt.Printf("Failed:     %d\n", stats.Failed)
		fmt.Printf("Cancelled:  %d\n", stats.Cancelled)
		fmt.Println("-------------------")
		fmt.Printf("Total:      %d\n", stats.Total)
		return nil
	})
}

func printSchedule(s *models.Schedule) {
	if scheduleJSON {
		printJSON(s)
		return
	}

	fmt.Printf("ID:           %s\n", s.ID)
	fmt.Printf("Subject:      %s\n", s.Subject)
	fmt.Printf("Template:     %s\n", s.TemplateKey)
	fmt.Printf("Status:       %s\n", s.Status)
	fmt.Printf("Scheduled at: %s\n", s.ScheduledAt.Local().Format(time.RFC3339))
	if s.StartedAt != nil {
		fmt.Printf("Started at:   %s\n", s.StartedAt.Local().Format(time.RFC3339))
	}
	if s.SentAt != nil {
		fmt.Printf("Sent at:      %s\n", s.SentAt.Local().Format(time.RFC3339))
	}

	fmt.Println("\nTargeting:")
	if len(s.CategoryFilter) > 0 {
		ids := make([]string, len(s.CategoryFilter))
		for i, id := range s.CategoryFilter {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Printf("  Categories: %s\n", strings.Join(ids, ", "))
	} else {
		fmt.Printf("  Categories: all\n")
	}
	if s.FrequencyFilter != nil {
		fmt.Printf("  Frequency:  %s\n", *s.FrequencyFilter)
	}
	fmt.Printf("  Active only:   %v\n", s.ActiveOnly)
	fmt.Printf("  Verified only: %v\n", s.VerifiedOnly)

	if s.Status.Terminal() && s.Status != models.StatusCancelled {
		fmt.Println("\nDelivery:")
		fmt.Printf("  Recipients: %d\n", s.RecipientCount)
		fmt.Printf("  Sent:       %d\n", s.SuccessCount)
		fmt.Printf("  Errors:     %d\n", s.ErrorCount)
	}
	if s.ErrorMessage != "" {
		fmt.Printf("\nError: %s\n", s.ErrorMessage)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
