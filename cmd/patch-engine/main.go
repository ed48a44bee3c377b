package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchops/engine/internal/config"
	"github.com/patchops/engine/internal/engine"
	"github.com/patchops/engine/internal/installer"
	"github.com/patchops/engine/internal/lifecycle"
	"github.com/patchops/engine/internal/logging"
	"github.com/patchops/engine/internal/osinfo"
	"github.com/patchops/engine/internal/patchfilter"
	"github.com/patchops/engine/internal/pkgmgr"
	"github.com/patchops/engine/internal/privilege"
	"github.com/patchops/engine/internal/reboot"
	"github.com/patchops/engine/internal/shellexec"
	"github.com/patchops/engine/internal/status"
)

var (
	version  = "0.1.0"
	cfgFile  string
	simulate bool
)

var rootCmd = &cobra.Command{
	Use:   "patch-engine",
	Short: "OS patch orchestration engine",
	Long:  `Patch Engine - host-managed assessment and installation of operating-system patches under a maintenance window`,
}

var runCmd = &cobra.Command{
	Use:   "run [sequence] [environment-settings] [operation-settings]",
	Short: "Execute one host-requested operation",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSequence(args[0], args[1], args[2])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Patch Engine v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/patch-engine/engine.yaml)")
	runCmd.Flags().BoolVar(&simulate, "simulate", false, "pass the package manager's dry-run flag to every install")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSequence(sequenceArg, envBlob, opBlob string) error {
	sequence, err := strconv.Atoi(sequenceArg)
	if err != nil {
		return fmt.Errorf("sequence number %q: %w", sequenceArg, err)
	}

	env, err := config.DecodeEnvironmentSettings(envBlob)
	if err != nil {
		return err
	}
	op, err := config.DecodeOperationSettings(opBlob)
	if err != nil {
		return err
	}
	engine.EnsureActivityID(op)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOutput := initLogging(cfg, env, sequenceArg)
	if closer, ok := logOutput.(io.Closer); ok {
		defer closer.Close()
	}
	log := logging.WithSequence(logging.L("main"), sequenceArg, op.Operation)
	log.Info("starting", "version", version, "activityId", op.ActivityID)

	ctx, cancel := context.WithTimeout(context.Background(), engine.RunDeadline(cfg))
	defer cancel()

	fileRetryDelay := time.Duration(cfg.FileRetryDelayMS) * time.Millisecond
	if !privilege.IsRunningAsRoot() {
		checker := privilege.NewChecker(cfg.FileRetryCount, fileRetryDelay)
		if err := checker.EnsureElevated(ctx); err != nil {
			return fmt.Errorf("insufficient privileges: %w", err)
		}
	}

	runner := shellexec.New(shellexec.DefaultTimeout, cfg.FileRetryCount, fileRetryDelay)
	manager, err := pkgmgr.Detect(runner)
	if err != nil {
		return fmt.Errorf("detect package manager: %w", err)
	}
	log.Info("package manager detected", "manager", manager.Name())

	handler := status.NewHandler(status.Options{
		StatusFolder:           env.StatusFolder,
		SequenceNumber:         sequenceArg,
		Operation:              op.Operation,
		ActivityID:             op.ActivityID,
		OSNameAndVersion:       osinfo.NameAndVersion(),
		MaxStatusBytes:         cfg.MaxStatusBytes,
		TargetStatusBytes:      cfg.StatusTargetBytes,
		TruncationEnabled:      cfg.TruncationEnabled,
		MinAssessmentPatches:   cfg.MinAssessmentPatches,
		MinInstallationPatches: cfg.MinInstallationPatches,
	})

	lm := lifecycle.NewManager(lifecycle.Options{
		ConfigFolder: env.ConfigFolder,
		Sequence:     sequence,
		Action:       op.Operation,
		WaitTimeout:  time.Duration(cfg.MaxRunMinutes) * time.Minute,
		RetryCount:   cfg.FileRetryCount,
		RetryDelay:   fileRetryDelay,
	})

	win, err := engine.BuildWindow(op, cfg.RebootBufferMinutes, cfg.PackageInstallCeilingMinutes)
	if err != nil {
		return reportInvalidConfig(handler, op, err)
	}

	rb := reboot.NewManager(reboot.Options{
		Policy:         op.RebootSetting,
		Window:         win,
		Status:         handler,
		Runner:         runner,
		DelayMinutes:   cfg.RebootDelayMinutes,
		TimeoutMinutes: cfg.RebootTimeoutMinutes,
	})

	filter, err := patchfilter.New(op.ClassificationsToInclude, op.PatchesToInclude, op.PatchesToExclude)
	if err != nil {
		return reportInvalidConfig(handler, op, fmt.Errorf("patch selection: %w", err))
	}

	inst := installer.New(installer.Options{
		Manager:           manager,
		Filter:            filter,
		Window:            win,
		Status:            handler,
		Poller:            lm,
		RetryCount:        cfg.InstallRetryCount,
		ReconcileInterval: cfg.ReconcileInterval,
		Simulate:          simulate,
	})

	eng := engine.New(engine.Deps{
		Operation: op,
		Manager:   manager,
		Status:    handler,
		Lifecycle: lm,
		Reboot:    rb,
		Installer: inst,
	})

	if err := eng.Run(ctx); err != nil {
		log.Error("run failed", logging.KeyError, err)
		return err
	}
	log.Info("run finished")
	return nil
}

// reportInvalidConfig surfaces a rejected settings blob through the status
// document before exiting, so the host sees more than a bare exit code.
func reportInvalidConfig(handler *status.Handler, op *config.OperationSettings, err error) error {
	name := status.SubstatusAssessment
	if op.Operation == config.OperationInstallation {
		name = status.SubstatusInstallation
	}
	handler.StartSubstatus(name)
	handler.AddError(name, status.CodeInvalidConfiguration, err.Error())
	handler.CompleteSubstatus(name, status.StateError)
	if perr := handler.Persist(); perr != nil {
		logging.L("main").Error("persisting rejected-settings status", logging.KeyError, perr)
	}
	return err
}

// initLogging switches the process logger onto the per-sequence rotating
// file, falling back to stderr when the log folder is unusable.
func initLogging(cfg *config.Config, env *config.EnvironmentSettings, sequence string) io.Writer {
	path := logging.SequenceLogPath(env.LogFolder, sequence)
	writer, err := logging.NewRotatingWriter(path, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		logging.L("main").Warn("log file unavailable, using stderr", logging.KeyError, err)
		return os.Stderr
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, writer)
	return writer
}
