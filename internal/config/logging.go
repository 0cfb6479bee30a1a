package config

// LoggingInfo configures the shared slog-based logger (internal/logging)
// used by every long-lived process in this repository.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default: info
	Format string `yaml:"format"` // json|text, default: json
	File   string `yaml:"file"`   // optional tee-to-file path, default: stdout only

	// SessionLogDir, if set, gives every transfer session its own
	// DEBUG-level JSON log file under {SessionLogDir}/{role}/{sessionID}.log
	// (see internal/logging.NewSessionLogger), independent of the main
	// logger's level/format. Empty disables per-session log files.
	SessionLogDir string `yaml:"session_log_dir"`
}
