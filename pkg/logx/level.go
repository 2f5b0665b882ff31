package logx

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel accepts trace, debug, info, warn(ing) and error in any case.
// An empty string is info.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelInfo, nil
	}
	if l, ok := levelNames[s]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("logx: unknown level %q", s)
}

func parseLevel(s string, def Level) Level {
	if strings.TrimSpace(s) == "" {
		return def
	}
	l, err := ParseLevel(s)
	if err != nil {
		return def
	}
	return l
}
