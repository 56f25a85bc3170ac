package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without restarting the engine are tracked; everything
// else requires a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ActivePipelineChanged reports a new default pipeline for future
	// calls. Calls in flight keep their resolved pipeline.
	ActivePipelineChanged bool
	NewActivePipeline     string

	// GreetingChanged reports a new server-level greeting for future
	// calls.
	GreetingChanged bool
	NewGreeting     string
}

// Empty reports whether the diff contains no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ActivePipelineChanged && !d.GreetingChanged
}

// Diff compares old and new configs and returns the hot-reloadable
// changes.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.ActivePipeline != new.ActivePipeline {
		d.ActivePipelineChanged = true
		d.NewActivePipeline = new.ActivePipeline
	}
	if old.Server.Greeting != new.Server.Greeting {
		d.GreetingChanged = true
		d.NewGreeting = new.Server.Greeting
	}
	return d
}
