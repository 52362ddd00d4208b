package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/JMMolenaar/Fab-CIC-manager/app"
	"github.com/JMMolenaar/Fab-CIC-manager/config"
	"github.com/JMMolenaar/Fab-CIC-manager/log"
	"github.com/JMMolenaar/Fab-CIC-manager/registry"
	"github.com/JMMolenaar/Fab-CIC-manager/schedule"
	"github.com/JMMolenaar/Fab-CIC-manager/server/middleware"
	"github.com/JMMolenaar/Fab-CIC-manager/version"
)

const defaultRedisPort = "6379"

type optionFlags struct {
	ConfFile       string
	PidFile        string
	BackTrackLevel string
}

var (
	Flags optionFlags
)

func registerSignal(shutdown context.CancelFunc, reloadCallback func(), logsReopenCallback func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1}...)
	go func() {
		for sig := range c {
			if handleSignals(sig, reloadCallback, logsReopenCallback) {
				shutdown()
				return
			}
		}
	}()
}

func handleSignals(sig os.Signal, reloadCallback func(), logsReopenCallback func()) (exitNow bool) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		return true
	case syscall.SIGHUP:
		reloadCallback()
		return false
	case syscall.SIGUSR1:
		logsReopenCallback()
		return false
	}
	return false
}

func printVersion() {
	fmt.Printf("version: %s\nbuilt at: %s\ncommit: %s\n", version.Version, version.BuildDate, version.BuildCommit)
}

// loadConfig reads the config file and applies the environment overrides.
// Without an explicit file a missing default path falls back to defaults.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	conf, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		conf, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.BindEnv("redis_host", "REDIS_HOST")
	v.BindEnv("env", "FABJOBS_ENV")
	v.BindEnv("namespace", "FABJOBS_NAMESPACE")
	if host := v.GetString("redis_host"); host != "" {
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, defaultRedisPort)
		}
		conf.Redis.Addr = host
	}
	if env := v.GetString("env"); env != "" {
		conf.Env = env
	}
	if ns := v.GetString("namespace"); ns != "" {
		conf.Namespace = ns
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func adminServer(conf *config.Config, a *app.App, accessLogger, errorLogger *logrus.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.RequestIDMiddleware, middleware.AccessLogMiddleware(accessLogger), gin.RecoveryWithWriter(errorLogger.Out))
	SetupRoutes(engine, a, errorLogger)
	if conf.EnableAccessLog {
		middleware.EnableAccessLog()
	}
	addr := fmt.Sprintf("%s:%d", conf.AdminHost, conf.AdminPort)
	errorLogger.Infof("Admin server listening at %s", addr)
	srv := http.Server{
		Addr:    addr,
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if err == http.ErrServerClosed {
				return
			}
			panic(fmt.Sprintf("Admin server failed: %s", err))
		}
	}()
	return &srv
}

func createPidFile(logger *logrus.Logger) {
	if Flags.PidFile == "" {
		return
	}
	if err := os.WriteFile(Flags.PidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		logger.WithField("err", err).Warn("Failed to create the pid file")
		return
	}
	logger.Infof("Server pid: %d", os.Getpid())
}

func removePidFile() {
	if Flags.PidFile != "" {
		os.Remove(Flags.PidFile)
	}
}

// newRegistry returns the registry of this binary, business jobs are
// registered here next to the builtins.
func newRegistry(conf *config.Config, logger *logrus.Logger) (*registry.Registry, error) {
	reg := registry.New(registry.Defaults{
		Queue:       conf.Queues[0],
		MaxAttempts: conf.Retry.MaxAttempts,
		Timeout:     time.Duration(conf.Worker.DefaultTimeoutSecond) * time.Second,
	})
	if err := app.RegisterBuiltins(reg, logger); err != nil {
		return nil, err
	}
	return reg, nil
}

func run(cmd *cobra.Command) error {
	conf, err := loadConfig(Flags.ConfFile, cmd.Flags().Changed("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.Setup(conf.LogFormat, conf.LogDir, conf.LogLevel, Flags.BackTrackLevel); err != nil {
		return err
	}
	logger := log.Get()
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Infof)); err != nil {
		logger.WithField("err", err).Warn("Failed to set GOMAXPROCS")
	}

	reg, err := newRegistry(conf, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(startCtx, conf, reg, logger)
	startCancel()
	if err != nil {
		logger.WithField("err", err).Error("Failed to start")
		return err
	}
	defer a.Close()

	registerSignal(cancel, func() {
		logger.Info("Reloading the schedule")
		a.Reload(ctx)
	}, func() {
		if err := log.ReopenLogs(); err != nil {
			logger.WithField("err", err).Error("Failed to reopen the logs")
		}
	})
	adminSrv := adminServer(conf, a, log.GetAccessLogger(), logger)
	createPidFile(logger)
	defer removePidFile()

	logger.WithFields(logrus.Fields{
		"namespace": conf.Namespace,
		"env":       conf.EnvKind().String(),
		"queues":    conf.Queues,
		"version":   version.Version,
	}).Info("Started")
	daemon.SdNotify(false, daemon.SdNotifyReady)

	runErr := a.Run(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	logger.Infof("[%d] Shutting down...", os.Getpid())
	adminSrv.Close() // Admin server does not need to be stopped gracefully
	if runErr != nil {
		logger.WithField("err", runErr).Error("Stopped on a fatal error")
		return runErr
	}
	logger.Infof("[%d] Bye bye", os.Getpid())
	return nil
}

func validateSchedule(path string, jobs, queues []string, anyJob bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var checks schedule.Checks
	if len(queues) > 0 {
		served := make(map[string]bool)
		for _, q := range queues {
			served[q] = true
		}
		checks.Queue = func(q string) bool { return served[q] }
	}
	if !anyJob {
		reg := registry.New(registry.Defaults{})
		if err := app.RegisterBuiltins(reg, logrus.StandardLogger()); err != nil {
			return err
		}
		names := make(map[string]bool)
		for _, name := range append(reg.Names(), jobs...) {
			names[name] = true
		}
		checks.Job = func(name string) bool { return names[name] }
	}
	sched, err := schedule.Parse(data, checks)
	if err != nil {
		var invalid *schedule.InvalidScheduleError
		if errors.As(err, &invalid) {
			for _, p := range invalid.Problems {
				fmt.Fprintf(os.Stderr, "%s: %s\n", path, p)
			}
		}
		return err
	}
	for e := range sched.All() {
		state := "enabled"
		if !e.Enabled {
			state = "disabled"
		}
		fmt.Printf("%-24s %-20s %-24s %s\n", e.Name, e.Cron, e.Job, state)
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "fabjobs",
		Short:         "scheduler, queue and workers for the fablab background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the scheduler, the workers and the admin server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
	runCmd.Flags().StringVarP(&Flags.ConfFile, "config", "c", "config/fabjobs.toml", "config file path")
	runCmd.Flags().StringVar(&Flags.BackTrackLevel, "bt", "warn", "show backtrack in the log >= {level}")
	runCmd.Flags().StringVarP(&Flags.PidFile, "pid", "p", "", "pid file path")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "schedule file tools",
	}
	validateCmd := &cobra.Command{
		Use:     "validate [schedule file]",
		Short:   "check a schedule file and list its entries",
		Example: "schedule validate config/schedule.yml --jobs report.daily,cleanup",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, _ := cmd.Flags().GetStringSlice("jobs")
			queues, _ := cmd.Flags().GetStringSlice("queues")
			anyJob, _ := cmd.Flags().GetBool("any-job")
			return validateSchedule(args[0], jobs, queues, anyJob)
		},
	}
	validateCmd.Flags().StringSlice("jobs", nil, "job names registered besides the builtins")
	validateCmd.Flags().StringSlice("queues", nil, "queues served by the workers, empty skips the queue check")
	validateCmd.Flags().Bool("any-job", false, "skip the job name check")
	scheduleCmd.AddCommand(validateCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}

	rootCmd.AddCommand(runCmd, scheduleCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
