package env

import (
	"log"
	"os"
	"strings"

	"github.com/agentuity/go-imaging/logger"
	"github.com/spf13/cobra"
)

// Lookup resolves a variable name. It has the signature of os.LookupEnv.
type Lookup func(key string) (string, bool)

// MapLookup returns a Lookup backed by vars.
func MapLookup(vars map[string]string) Lookup {
	return func(key string) (string, bool) {
		val, ok := vars[key]
		return val, ok
	}
}

type reference struct {
	varName      string
	defaultValue string
}

func findClosingBrace(input string, start int) int {
	for i := start; i < len(input); i++ {
		switch input[i] {
		case '{':
			// nested references are not supported
			return -1
		case '}':
			return i
		}
	}
	return -1
}

func parseReference(ref string) reference {
	// strip ${ and }
	inner := ref[2 : len(ref)-1]

	parts := strings.SplitN(inner, ":-", 2)
	r := reference{varName: strings.TrimPrefix(parts[0], "env:")}
	if len(parts) > 1 {
		r.defaultValue = parts[1]
	}
	return r
}

// Expand replaces ${NAME} and ${NAME:-default} references in input using
// lookup. The env: prefix (${env:NAME}) is accepted and ignored. A reference
// whose variable is unset or empty takes its default; with no default the
// reference is left as written. Unterminated or nested references are copied
// through unchanged.
func Expand(input string, lookup Lookup) string {
	if input == "" || !strings.Contains(input, "${") {
		return input
	}

	var result strings.Builder
	lastPos := 0

	for i := 0; i < len(input); i++ {
		if i+1 >= len(input) || input[i] != '$' || input[i+1] != '{' {
			continue
		}
		result.WriteString(input[lastPos:i])

		end := findClosingBrace(input, i+2)
		if end == -1 {
			result.WriteString(input[i:])
			return result.String()
		}

		refStr := input[i : end+1]
		ref := parseReference(refStr)
		val, ok := "", false
		if ref.varName != "" {
			val, ok = lookup(ref.varName)
		}
		switch {
		case ok && val != "":
			result.WriteString(val)
		case ref.defaultValue != "":
			result.WriteString(ref.defaultValue)
		default:
			result.WriteString(refStr)
		}

		i = end
		lastPos = end + 1
	}

	result.WriteString(input[lastPos:])
	return result.String()
}

// ExpandOS is Expand against the process environment.
func ExpandOS(input string) string {
	return Expand(input, os.LookupEnv)
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// LogLevel returns the level from the log-level flag, then IMAGING_LOG_LEVEL,
// falling back to info for missing or unknown names.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, ok := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"))
	if !ok {
		return logger.LevelInfo
	}
	return level
}

// NewLogger returns a console logger by first checking the cobra.Command log-level flag, then use the
// IMAGING_LOG_LEVEL environment value and falling back to the info logger level
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	level := LogLevel(cmd)
	return logger.NewConsoleLogger(level)
}
