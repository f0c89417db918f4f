package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/scheduler"
)

// newCronCmd creates the `opsclaw cron` command. Jobs live in the config
// file and are picked up by `opsclaw gateway` on start.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled messages",
		Long: `Add, list and remove cron jobs that send a message to the agent.

Schedules use five cron fields or descriptors such as @hourly and
"@every 30m".

Examples:
  opsclaw cron add "0 9 * * 1-5" "summarize overnight alerts" --channel telegram --chat ops
  opsclaw cron list
  opsclaw cron run <id>
  opsclaw cron remove <id>`,
	}
	cmd.AddCommand(newCronListCmd(), newCronAddCmd(), newCronRunCmd(), newCronRemoveCmd())
	return cmd
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cfg.Scheduler.Jobs) == 0 {
				fmt.Fprintln(out, "No jobs.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSCHEDULE\tTARGET\tMESSAGE")
			for _, j := range cfg.Scheduler.Jobs {
				target := "-"
				if j.Channel != "" {
					target = j.Channel + ":" + j.ChatID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Schedule, target, j.Message)
			}
			return tw.Flush()
		},
	}
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <message>",
		Short: "Add a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := scheduler.ValidateSchedule(args[0]); err != nil {
				return err
			}
			channel, _ := cmd.Flags().GetString("channel")
			chatID, _ := cmd.Flags().GetString("chat")
			if (channel == "") != (chatID == "") {
				return fmt.Errorf("--channel and --chat must be given together")
			}

			path := configPathForWrite(cmd)
			cfg, err := loadOrDefault(path)
			if err != nil {
				return err
			}

			job := config.JobConfig{
				ID:       uuid.NewString(),
				Schedule: args[0],
				Message:  args[1],
				Channel:  channel,
				ChatID:   chatID,
			}
			cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, job)
			if err := config.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added job %s to %s.\n", job.ID, path)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "deliver replies to this channel")
	cmd.Flags().String("chat", "", "deliver replies to this chat id")
	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPathForWrite(cmd)
			cfg, err := config.LoadRawConfigFromFile(path)
			if err != nil {
				return fmt.Errorf("loading config from %s: %w", path, err)
			}

			before := len(cfg.Scheduler.Jobs)
			cfg.Scheduler.Jobs = slices.DeleteFunc(cfg.Scheduler.Jobs, func(j config.JobConfig) bool {
				return j.ID == args[0]
			})
			if len(cfg.Scheduler.Jobs) == before {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err := config.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s.\n", args[0])
			return nil
		},
	}
}

func newCronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			rt, err := buildRuntime(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			sched := scheduler.New(rt.loop, writerPublisher{out: cmd.OutOrStdout()}, logger)
			for _, jc := range cfg.Scheduler.Jobs {
				if jc.ID != args[0] {
					continue
				}
				if _, err := sched.Add(scheduler.JobFromConfig(jc)); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return sched.RunNow(ctx, args[0])
		},
	}
}

// writerPublisher prints replies instead of delivering them.
type writerPublisher struct {
	out io.Writer
}

func (p writerPublisher) PublishOutbound(_ context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(p.out, "[to %s:%s] %s\n", msg.Channel, msg.ChatID, msg.Content)
	return err
}
