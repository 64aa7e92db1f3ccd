package processmanagement

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logcollection"
	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
	"github.com/core-tools/hsu-stdio-procman/pkg/processhandler"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

// ProcessManagerConfig represents the top-level configuration file structure
type ProcessManagerConfig struct {
	ProcessManager   ProcessManagerConfigOptions `yaml:"process_manager"`
	ManagedProcesses []ManagedProcessConfig      `yaml:"managed_processes,omitempty"`
}

// ProcessManagerConfigOptions represents process manager-level configuration
type ProcessManagerConfigOptions struct {
	DefaultTimeout time.Duration     `yaml:"default_timeout,omitempty"`
	LogLevel       string            `yaml:"log_level,omitempty"`
	Buffer         BufferConfig      `yaml:"buffer"`
	Termination    TerminationConfig `yaml:"termination"`
}

type BufferConfig struct {
	Capacity         int           `yaml:"capacity,omitempty"`
	MaxLineBytes     int           `yaml:"max_line_bytes,omitempty"`
	PartialLineFlush time.Duration `yaml:"partial_line_flush,omitempty"`
}

type TerminationConfig struct {
	KillGracePeriod   time.Duration `yaml:"kill_grace_period,omitempty"`
	ReaderJoinTimeout time.Duration `yaml:"reader_join_timeout,omitempty"`
}

// ManagedProcessConfig is a process started by StartProcessesFromConfig
type ManagedProcessConfig struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false

	ProcessSpec `yaml:",inline"`
}

// LoadConfigFromFile loads process manager configuration from a YAML file
func LoadConfigFromFile(filename string) (*ProcessManagerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := LoadConfig(data)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// LoadConfig parses YAML and applies defaults. It does not validate.
func LoadConfig(data []byte) (*ProcessManagerConfig, error) {
	var config ProcessManagerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *ProcessManagerConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateProcessManagerConfig(&config.ProcessManager); err != nil {
		return errors.NewValidationError("invalid process manager configuration", err)
	}

	if err := validateManagedProcessesConfig(config.ManagedProcesses); err != nil {
		return errors.NewValidationError("invalid managed processes configuration", err)
	}

	return nil
}

// ToOptions converts the configuration into manager options
func (c *ProcessManagerConfig) ToOptions(hooks ...logcollection.OperationHook) ProcessManagerOptions {
	return ProcessManagerOptions{
		DefaultTimeout: c.ProcessManager.DefaultTimeout,
		Handler: processhandler.HandlerOptions{
			BufferCapacity:    c.ProcessManager.Buffer.Capacity,
			MaxLineBytes:      c.ProcessManager.Buffer.MaxLineBytes,
			PartialLineFlush:  c.ProcessManager.Buffer.PartialLineFlush,
			KillGracePeriod:   c.ProcessManager.Termination.KillGracePeriod,
			ReaderJoinTimeout: c.ProcessManager.Termination.ReaderJoinTimeout,
		},
		Hooks: hooks,
	}
}

// NewLogger builds the zap-backed structured logger at the configured level
func (c *ProcessManagerConfig) NewLogger() (logcollection.StructuredLogger, error) {
	level, err := logcollection.ParseLogLevel(c.ProcessManager.LogLevel)
	if err != nil {
		return nil, errors.NewValidationError("invalid log level", err)
	}
	return logcollection.NewStructuredLogger("zap", level)
}

// StartProcessesFromConfig starts every enabled managed process. Failures do not
// stop the remaining processes; they are returned together.
func StartProcessesFromConfig(ctx context.Context, manager ProcessManager, config *ProcessManagerConfig, logger logging.Logger) (map[string]TrackingID, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	started := make(map[string]TrackingID)
	errorCollection := errors.NewErrorCollection()

	for i, processConfig := range config.ManagedProcesses {
		// Only skip if explicitly set to false
		if processConfig.Enabled != nil && !*processConfig.Enabled {
			logger.Infof("Skipping disabled process, name: %s", processConfig.Name)
			continue
		}

		_, id, err := manager.ProcessStart(ctx, processConfig.ProcessSpec, 0)
		if err != nil {
			errorCollection.Add(errors.NewSpawnError(
				fmt.Sprintf("failed to start managed process at index %d", i),
				err,
			).WithContext("process_name", processConfig.Name))
			continue
		}

		logger.Infof("Managed process started, name: %s, tracking id: %s", processConfig.Name, id)
		started[processConfig.Name] = id
	}

	return started, errorCollection.ToError()
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *ProcessManagerConfig) {
	pm := &config.ProcessManager
	if pm.DefaultTimeout == 0 {
		pm.DefaultTimeout = DefaultTimeout
	}
	if pm.LogLevel == "" {
		pm.LogLevel = "info"
	}
	if pm.Buffer.Capacity == 0 {
		pm.Buffer.Capacity = ringbuffer.DefaultCapacity
	}
	if pm.Buffer.MaxLineBytes == 0 {
		pm.Buffer.MaxLineBytes = processhandler.DefaultMaxLineBytes
	}
	if pm.Buffer.PartialLineFlush == 0 {
		pm.Buffer.PartialLineFlush = processhandler.DefaultPartialLineFlush
	}
	if pm.Termination.KillGracePeriod == 0 {
		pm.Termination.KillGracePeriod = processhandler.DefaultKillGracePeriod
	}
	if pm.Termination.ReaderJoinTimeout == 0 {
		pm.Termination.ReaderJoinTimeout = processhandler.DefaultReaderJoinTimeout
	}

	for i := range config.ManagedProcesses {
		process := &config.ManagedProcesses[i]

		// Default enabled to true if not specified
		if process.Enabled == nil {
			enabled := true
			process.Enabled = &enabled
		}
	}
}

// Validation functions

func validateProcessManagerConfig(config *ProcessManagerConfigOptions) error {
	if config.DefaultTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid default timeout: %v", config.DefaultTimeout),
			nil,
		).WithContext("valid_range", "> 0")
	}

	if _, err := logcollection.ParseLogLevel(config.LogLevel); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.LogLevel),
			err,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if config.Buffer.Capacity < 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid buffer capacity: %d", config.Buffer.Capacity), nil)
	}
	if config.Buffer.MaxLineBytes < 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid max line bytes: %d", config.Buffer.MaxLineBytes), nil)
	}
	if config.Buffer.PartialLineFlush < 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid partial line flush: %v", config.Buffer.PartialLineFlush), nil)
	}
	if config.Termination.KillGracePeriod < 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid kill grace period: %v", config.Termination.KillGracePeriod), nil)
	}
	if config.Termination.ReaderJoinTimeout < 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid reader join timeout: %v", config.Termination.ReaderJoinTimeout), nil)
	}

	return nil
}

func validateManagedProcessesConfig(processes []ManagedProcessConfig) error {
	// Check for duplicate names
	seenNames := make(map[string]int)
	for i, process := range processes {
		if process.Name == "" {
			return errors.NewValidationError(fmt.Sprintf("process name is required at index %d", i), nil)
		}

		if prevIndex, exists := seenNames[process.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate process name '%s' found at indices %d and %d", process.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[process.Name] = i

		if err := process.ProcessSpec.executionConfig().Validate(); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid process specification at index %d", i),
				err,
			).WithContext("process_name", process.Name)
		}
	}

	return nil
}
