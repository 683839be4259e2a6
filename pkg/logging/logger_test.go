package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Default level = %s, want %s", cfg.Level, LevelInfo)
	}
	if cfg.Pretty {
		t.Error("Default pretty should be false")
	}
}

func TestSetup_WritesToConfiguredOutput(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		emit  func(logger zerolog.Logger)
		want  string
	}{
		{
			name:  "info_level",
			level: LevelInfo,
			emit:  func(l zerolog.Logger) { l.Info().Msg("limiter created") },
			want:  "limiter created",
		},
		{
			name:  "debug_level",
			level: LevelDebug,
			emit:  func(l zerolog.Logger) { l.Debug().Float64("tokens", 2.5).Msg("token admitted") },
			want:  "token admitted",
		},
		{
			name:  "warn_level",
			level: LevelWarn,
			emit:  func(l zerolog.Logger) { l.Warn().Msg("throttle signal") },
			want:  "throttle signal",
		},
		{
			name:  "error_level",
			level: LevelError,
			emit:  func(l zerolog.Logger) { l.Error().Msg("retry budget exhausted") },
			want:  "retry budget exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			tt.emit(logger)

			if output := buf.String(); !strings.Contains(output, tt.want) {
				t.Errorf("Output = %q, want it to contain %q", output, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // Should default to Info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("ratelimit")
	logger.Info().Str("key", "posts.create").Msg("bucket created")

	output := buf.String()
	if !strings.Contains(output, "ratelimit") {
		t.Errorf("Output missing component tag, got %q", output)
	}
	if !strings.Contains(output, "posts.create") {
		t.Errorf("Output missing key field, got %q", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("pool")

	logger.Debug().Msg("entry reused")
	logger.Info().Msg("entry created")
	logger.Warn().Msg("entry evicted")
	logger.Error().Msg("pool exhausted")

	output := buf.String()

	if strings.Contains(output, "entry reused") {
		t.Error("Debug message should be filtered out at Warn level")
	}
	if strings.Contains(output, "entry created") {
		t.Error("Info message should be filtered out at Warn level")
	}
	if !strings.Contains(output, "entry evicted") {
		t.Error("Warn message should be included at Warn level")
	}
	if !strings.Contains(output, "pool exhausted") {
		t.Error("Error message should be included at Warn level")
	}
}
