/*
Package log configures the process-wide zerolog logger.

Init is called once at startup with the configured level and output mode;
everything else in the process logs through the package-level Logger or a
derived sub-logger with its component fields attached.

# Architecture

  - JSON output for production, where logs feed a collector
  - Console output with timestamps for interactive development
  - Level is global: debug, info, warn, error

Components derive their own loggers rather than passing one around:

	logger := log.Logger.With().Str("component", "pipeline").Logger()

which keeps call sites terse and makes every line attributable.
*/
package log
