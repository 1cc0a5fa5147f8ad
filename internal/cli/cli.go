// Package cli implements the kabarctl operator commands. Commands talk to
// the notification queue through Store and write to the command's output
// stream so they can be exercised without a terminal.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lalithlochan/kabar/internal/db"
)

// Store is the queue and template access the commands need.
type Store interface {
	Statistics(ctx context.Context, since time.Time) (*db.Stats, error)
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, status string, limit int) ([]*db.Notification, error)
	ListTemplates(ctx context.Context, notifType string) ([]*db.Template, error)
	GetTemplateByCode(ctx context.Context, code string) (*db.Template, error)
}

// Opener connects to the store once a command runs. The returned func
// releases it.
type Opener func(ctx context.Context) (Store, func(), error)

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, open Opener, fn func(ctx context.Context, s Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, release, err := open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer release()
	return fn(ctx, s)
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// statusLabel colors a queue status for terminal output.
func statusLabel(status string) string {
	switch status {
	case db.StatusSent:
		return green.Sprint(status)
	case db.StatusPending, db.StatusProcessing:
		return yellow.Sprint(status)
	case db.StatusFailed:
		return red.Sprint(status)
	default:
		return faint.Sprint(status)
	}
}

func printCounts(w io.Writer, title string, counts map[string]int64, label func(string) string) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %d\n", label(k), counts[k])
	}
}

func plain(s string) string { return s }

// StatsCmd returns the stats command
func StatsCmd(open Opener) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show notification queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			return withStore(cmd, open, func(ctx context.Context, s Store) error {
				since := time.Now().AddDate(0, 0, -days)
				stats, err := s.Statistics(ctx, since)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Notifications since %s: %s\n\n", since.Format("2006-01-02"), cyan.Sprint(stats.Total))
				printCounts(w, "By status", stats.ByStatus, statusLabel)
				printCounts(w, "By type", stats.ByType, plain)
				printCounts(w, "By channel", stats.ByChannel, plain)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include")
	return cmd
}

// RecoverCmd returns the recover command
func RecoverCmd(open Opener) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return entries stuck in processing to pending",
		Long: `Reset queue entries left in processing by a crashed sweep.
Only entries untouched for longer than --older-than are reset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(cmd, open, func(ctx context.Context, s Store) error {
				n, err := s.RecoverStuck(ctx, olderThan)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if n == 0 {
					fmt.Fprintln(w, "No stuck entries")
					return nil
				}
				fmt.Fprintf(w, "Recovered %s entries\n", yellow.Sprint(n))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "Minimum age of a processing entry")
	return cmd
}

// RequeueCmd returns the requeue command
func RequeueCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a failed entry back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withStore(cmd, open, func(ctx context.Context, s Store) error {
				if err := s.Requeue(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Sprint("requeued"), id)
				return nil
			})
		},
	}
}

// ListCmd returns the list command
func ListCmd(open Opener) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, s Store) error {
				entries, err := s.ListNotifications(ctx, status, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(w, "No entries")
					return nil
				}
				for _, n := range entries {
					fmt.Fprintf(w, "%s  %-10s %-22s %-9s retries=%d  %s\n",
						n.ID, statusLabel(n.Status), n.Type, n.Channel, n.RetryCount,
						faint.Sprint(n.CreatedAt.Format(time.DateTime)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only entries with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}

// ShowCmd returns the show command
func ShowCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withStore(cmd, open, func(ctx context.Context, s Store) error {
				n, err := s.GetNotification(ctx, id)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s [%s]\n", n.ID, statusLabel(n.Status))
				fmt.Fprintf(w, "  type:     %s\n", n.Type)
				fmt.Fprintf(w, "  channel:  %s\n", n.Channel)
				fmt.Fprintf(w, "  template: %s\n", n.TemplateCode)
				fmt.Fprintf(w, "  retries:  %d/%d\n", n.RetryCount, n.MaxRetries)
				if n.Recipient != nil {
					fmt.Fprintf(w, "  to:       %s\n", *n.Recipient)
				}
				if n.ScheduledFor != nil {
					fmt.Fprintf(w, "  next:     %s\n", n.ScheduledFor.Format(time.DateTime))
				}
				if n.ErrorMessage != nil {
					fmt.Fprintf(w, "  error:    %s\n", red.Sprint(*n.ErrorMessage))
				}
				fmt.Fprintf(w, "\n%s\n", n.Body)
				return nil
			})
		},
	}
}

// TemplatesCmd returns the templates command
func TemplatesCmd(open Opener) *cobra.Command {
	var notifType string
	var code string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List notification templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, s Store) error {
				w := cmd.OutOrStdout()

				if code != "" {
					t, err := s.GetTemplateByCode(ctx, code)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s (%s/%s)\n", t.Code, t.Type, t.Channel)
					if t.TitleTemplate != "" {
						fmt.Fprintf(w, "  title: %s\n", t.TitleTemplate)
					}
					fmt.Fprintf(w, "\n%s\n", t.BodyTemplate)
					return nil
				}

				list, err := s.ListTemplates(ctx, notifType)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(w, "No templates")
					return nil
				}
				for _, t := range list {
					state := green.Sprint("active")
					if !t.IsActive {
						state = faint.Sprint("inactive")
					}
					fmt.Fprintf(w, "%-32s %-22s %-9s %s\n", t.Code, t.Type, t.Channel, state)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&notifType, "type", "", "Only templates for this notification type")
	cmd.Flags().StringVar(&code, "code", "", "Show one template body")
	return cmd
}

// RootCmd assembles every operator command.
func RootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "kabarctl",
		Short:         "Operate the kabar notification queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(StatsCmd(open))
	root.AddCommand(RecoverCmd(open))
	root.AddCommand(RequeueCmd(open))
	root.AddCommand(ListCmd(open))
	root.AddCommand(ShowCmd(open))
	root.AddCommand(TemplatesCmd(open))
	return root
}
