package processmanagement

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logcollection"
	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
)

// Run loads configFile, starts the enabled managed processes and supervises them
// until ctx ends or the process receives an interrupt. Everything is shut down
// before Run returns.
func Run(ctx context.Context, configFile string, logger logging.Logger) error {
	logger.Infof("Process manager runner starting...")
	logger.Infof("Platform: OS=%s, Arch=%s, CPUs=%d, Go=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())
	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := loadAndValidate(configFile)
	if err != nil {
		return err
	}

	summary := GetConfigSummary(config)
	logger.Infof("Configuration loaded successfully, default timeout: %v, managed processes: %d, enabled: %d",
		summary.DefaultTimeout, summary.TotalProcesses, summary.EnabledProcesses)

	structured, err := config.NewLogger()
	if err != nil {
		return errors.NewInternalError("failed to create structured logger", err)
	}

	manager := NewProcessManager(config.ToOptions(logcollection.NewLoggingHook(structured)), logger)

	started, err := StartProcessesFromConfig(ctx, manager, config, logger)
	if err != nil {
		// Keep supervising what did start
		logger.Errorf("Some managed processes failed to start: %v", err)
	}
	logger.Infof("Process manager is ready, %d processes started", len(started))

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	select {
	case receivedSignal := <-sig:
		logger.Infof("Process manager runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Process manager runner context finished: %v", ctx.Err())
	}

	// Reset context to background so shutdown is bounded only by its own timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(config))
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		return errors.NewInternalError("process manager shutdown failed", err)
	}

	logger.Infof("Process manager runner stopped")
	return nil
}

// shutdownTimeout leaves room for one grace period plus reader joins on top of
// the default operation timeout
func shutdownTimeout(config *ProcessManagerConfig) time.Duration {
	pm := config.ProcessManager
	return pm.DefaultTimeout + pm.Termination.KillGracePeriod + pm.Termination.ReaderJoinTimeout
}

func loadAndValidate(configFile string) (*ProcessManagerConfig, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		var domainErr *errors.DomainError
		if stderrors.As(err, &domainErr) {
			return nil, domainErr.WithContext("config_file", configFile)
		}
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

// ValidateConfigFile validates a configuration file without loading/running
func ValidateConfigFile(configFile string) error {
	_, err := loadAndValidate(configFile)
	return err
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *ProcessManagerConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	pm := config.ProcessManager
	summary := ConfigSummary{
		DefaultTimeout:   pm.DefaultTimeout,
		LogLevel:         pm.LogLevel,
		BufferCapacity:   pm.Buffer.Capacity,
		KillGracePeriod:  pm.Termination.KillGracePeriod,
		ManagedProcesses: make([]ProcessSummary, 0, len(config.ManagedProcesses)),
	}

	for _, process := range config.ManagedProcesses {
		enabled := process.Enabled == nil || *process.Enabled

		processSummary := ProcessSummary{
			Name:             process.Name,
			Enabled:          enabled,
			WorkingDirectory: process.WorkingDirectory,
		}
		if len(process.Command) > 0 {
			processSummary.Executable = process.Command[0]
		}

		summary.ManagedProcesses = append(summary.ManagedProcesses, processSummary)
		if enabled {
			summary.EnabledProcesses++
		}
	}
	summary.TotalProcesses = len(summary.ManagedProcesses)

	return summary
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	DefaultTimeout   time.Duration    `json:"default_timeout"`
	LogLevel         string           `json:"log_level"`
	BufferCapacity   int              `json:"buffer_capacity"`
	KillGracePeriod  time.Duration    `json:"kill_grace_period"`
	TotalProcesses   int              `json:"total_processes"`
	EnabledProcesses int              `json:"enabled_processes"`
	ManagedProcesses []ProcessSummary `json:"managed_processes"`
	Error            string           `json:"error,omitempty"`
}

// ProcessSummary provides a summary of process configuration
type ProcessSummary struct {
	Name             string `json:"name"`
	Enabled          bool   `json:"enabled"`
	Executable       string `json:"executable,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}
