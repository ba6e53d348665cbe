package config

import "strings"

const (
	ExecutionModeInteractive = "interactive"
	ExecutionModeServer      = "server"
)

// NormalizeExecutionMode maps any unknown value to interactive, the mode able to receive token pushes.
func NormalizeExecutionMode(mode string) string {
	mode = strings.TrimSpace(strings.ToLower(mode))
	if mode != ExecutionModeServer {
		return ExecutionModeInteractive
	}
	return mode
}

func IsInteractive(cfg ConfigurationExecution) bool {
	if cfg == nil {
		return true
	}
	return NormalizeExecutionMode(cfg.ExecutionMode()) == ExecutionModeInteractive
}
