package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JMMolenaar/Fab-CIC-manager/client"
)

var (
	cfgFile     string
	adminClient *client.AdminClient
)

func initAdminClient() {
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 7790)
	viper.SetDefault("retry", 2)
	viper.SetDefault("backoff", 200)
	if cfgFile == "" {
		viper.SetConfigName(".fabjobsctl")
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println("Failed to get home directory")
			os.Exit(1)
		}
		viper.AddConfigPath(home)
	} else {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("fabjobsctl")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Printf("Failed to load config: %s\n", err)
			os.Exit(1)
		}
	}
	adminClient = client.NewAdminClient(viper.GetString("host"), viper.GetInt("port"))
	adminClient.ConfigRetry(viper.GetInt("retry"), viper.GetInt("backoff"))
}

func printJob(job *client.Job) {
	fmt.Printf("Job ID: %s\n", job.ID)
	fmt.Printf("Job: %s\n", job.Name)
	fmt.Printf("Job args: %s\n", string(job.Args))
	fmt.Printf("* Queue: %s\n", job.Queue)
	fmt.Printf("* Enqueued: %s\n", time.UnixMilli(job.EnqueuedAt).Format(time.RFC3339))
	fmt.Printf("* Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	for _, a := range job.History {
		fmt.Printf("  - #%d %s %s %s\n", a.Attempt, time.UnixMilli(a.At).Format(time.RFC3339), a.Reason, a.Message)
	}
}

func printProblems(err error) {
	if apiErr, ok := err.(*client.APIError); ok && len(apiErr.Problems) > 0 {
		for _, p := range apiErr.Problems {
			fmt.Printf("  - %s\n", p)
		}
	}
}

func main() {
	cobra.OnInitialize(initAdminClient)
	ctx := context.Background()

	enqueueCmd := &cobra.Command{
		Use:     "enqueue [job] [JSON args]",
		Short:   "enqueue a job by name",
		Example: `enqueue report.daily '{"day":"2026-10-19"}'`,
		Aliases: []string{"put", "pub"},
		Args:    cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			queue, _ := cmd.Flags().GetString("queue")
			delay, _ := cmd.Flags().GetUint32("delay")
			var body []byte
			if len(args) == 2 {
				body = []byte(args[1])
			}
			jobID, created, err := adminClient.Enqueue(ctx, args[0], body, queue, delay)
			switch {
			case err != nil:
				fmt.Printf("Failed: %s\n", err)
				os.Exit(1)
			case !created:
				fmt.Printf("Duplicate of job ID: %s\n", jobID)
			default:
				fmt.Printf("Job ID: %s\n", jobID)
			}
		},
	}
	enqueueCmd.Flags().StringP("queue", "q", "", "target queue, the job's default queue when empty")
	enqueueCmd.Flags().Uint32P("delay", "d", 0, "delay in second, no delay by default")

	sizeCmd := &cobra.Command{
		Use:     "size [queue]",
		Short:   "get the ready and delayed size of the queue",
		Example: "size default",
		Aliases: []string{"len"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			size, delayed, err := adminClient.QueueSize(ctx, args[0])
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Queue size: %d\n", size)
			fmt.Printf("Delayed size: %d\n", delayed)
		},
	}

	jobCmd := &cobra.Command{
		Use:     "job [job ID]",
		Short:   "show a pending, delayed or running job",
		Example: "job 01CG14G3JKF840QHZB6NR1NHVJ",
		Aliases: []string{"peek"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job, err := adminClient.GetJob(ctx, args[0])
			if client.IsNotFound(err) {
				fmt.Println("Not found")
				return
			}
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				os.Exit(1)
			}
			printJob(job)
		},
	}

	deadLetterCmd := &cobra.Command{
		Use:     "deadletter",
		Short:   "inspect and manage the dead jobs",
		Aliases: []string{"dead"},
	}
	listDeadCmd := &cobra.Command{
		Use:     "list",
		Short:   "list the dead jobs, newest first",
		Example: "deadletter list -o 20 -l 20",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			offset, _ := cmd.Flags().GetInt64("offset")
			limit, _ := cmd.Flags().GetInt64("limit")
			size, jobs, err := adminClient.ListDeadLetter(ctx, offset, limit)
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("DeadLetter size: %d\n", size)
			for _, dead := range jobs {
				fmt.Printf("%s %s %s died at %s: %s %s\n", dead.Job.ID, dead.Job.Name, dead.Job.Queue,
					time.UnixMilli(dead.DiedAt).Format(time.RFC3339), dead.Reason, dead.Message)
			}
		},
	}
	listDeadCmd.Flags().Int64P("offset", "o", 0, "number of the newest dead jobs to skip")
	listDeadCmd.Flags().Int64P("limit", "l", 20, "page size, up to 100")

	respawnCmd := &cobra.Command{
		Use:     "respawn [job ID]...",
		Short:   "put dead jobs back to their queue",
		Example: "deadletter respawn 01CG14G3JKF840QHZB6NR1NHVJ",
		Aliases: []string{"kick"},
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			failed := 0
			for _, jobID := range args {
				if err := adminClient.RespawnDeadLetter(ctx, jobID); err != nil {
					fmt.Printf("Failed: %s\n", err)
					failed++
					continue
				}
				fmt.Printf("Respawned: %s\n", jobID)
			}
			if failed > 0 {
				os.Exit(1)
			}
		},
	}
	deleteDeadCmd := &cobra.Command{
		Use:     "delete [job ID]...",
		Short:   "drop dead jobs for good",
		Example: "deadletter delete 01CG14G3JKF840QHZB6NR1NHVJ",
		Aliases: []string{"rm"},
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			failed := 0
			for _, jobID := range args {
				if err := adminClient.DeleteDeadLetter(ctx, jobID); err != nil {
					fmt.Printf("Failed: %s\n", err)
					failed++
					continue
				}
				fmt.Printf("Deleted: %s\n", jobID)
			}
			if failed > 0 {
				os.Exit(1)
			}
		},
	}
	deadLetterCmd.AddCommand(listDeadCmd, respawnCmd, deleteDeadCmd)

	schedulesCmd := &cobra.Command{
		Use:     "schedules",
		Short:   "inspect and reload the recurring schedule",
		Aliases: []string{"sched"},
	}
	listSchedulesCmd := &cobra.Command{
		Use:     "list",
		Short:   "list the schedule entries with their last and next fire time",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			list, err := adminClient.ListSchedules(ctx)
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Source: %s\n", list.Source)
			if list.LoadedAt != nil {
				fmt.Printf("Loaded: %s\n", list.LoadedAt.Format(time.RFC3339))
			}
			for _, e := range list.Entries {
				state := "enabled"
				if !e.Enabled {
					state = "disabled"
				}
				last, next := "-", "-"
				if e.LastFireAt != nil {
					last = e.LastFireAt.Format(time.RFC3339)
				}
				if e.NextFireAt != nil {
					next = e.NextFireAt.Format(time.RFC3339)
				}
				fmt.Printf("%s [%s] %s -> %s, last: %s, next: %s\n", e.Name, state, e.Cron, e.Job, last, next)
			}
			if len(list.Problems) > 0 {
				problems := make([]string, len(list.Problems))
				for i, p := range list.Problems {
					problems[i] = p.String()
				}
				fmt.Printf("The last reload was rejected:\n  - %s\n", strings.Join(problems, "\n  - "))
			}
		},
	}
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "make the server read its schedule file again",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := adminClient.ReloadSchedules(ctx)
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				printProblems(err)
				os.Exit(1)
			}
			fmt.Printf("Reloaded %d entries\n", entries)
		},
	}
	schedulesCmd.AddCommand(listSchedulesCmd, reloadCmd)

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "show the namespace, queues, scheduler and workers of the server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info, err := adminClient.Info(ctx)
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Namespace: %s (%s)\n", info.Namespace, info.Env)
			fmt.Printf("Started: %s\n", info.StartedAt)
			for _, q := range info.Queues {
				fmt.Printf("Queue %s: %d ready, %d delayed\n", q.Name, q.Size, q.Delayed)
			}
			fmt.Printf("DeadLetter size: %d\n", info.DeadLetter)
			fmt.Printf("Scheduler: %s, leader: %t, disabled: %t\n",
				info.Scheduler.State, info.Scheduler.Leader, info.Scheduler.Disabled)
			fmt.Printf("Workers %s: %d/%d in flight, lease %s, disabled: %t\n", info.Workers.ID,
				info.Workers.InFlight, info.Workers.Concurrency, info.Workers.LeaseTTR, info.Workers.Disabled)
			fmt.Printf("Jobs: %s\n", strings.Join(info.Jobs, ", "))
		},
	}

	rootCmd := &cobra.Command{Use: "fabjobsctl"}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(enqueueCmd, sizeCmd, jobCmd, deadLetterCmd, schedulesCmd, infoCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
