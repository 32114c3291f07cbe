package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"strings"

	"buildcalc/server/logging"
)

// ConsoleSink writes one human-readable line per event.
type ConsoleSink struct {
	logger *log.Logger
}

// NewConsoleSink logs to w using the standard log line prefix.
func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	flags := log.LstdFlags
	if cfg.Microseconds {
		flags |= log.Lmicroseconds
	}
	return &ConsoleSink{logger: log.New(w, cfg.Prefix, flags)}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	payload := formatPayload(event.Payload)
	extra := formatExtra(event.Extra)
	s.logger.Printf("[%s] cycle=%d actor=%s severity=%s%s%s%s", event.Type, event.Cycle, formatEntity(event.Actor), formatSeverity(event.Severity), payload, extra, formatTrace(event.TraceID))
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatSeverity(sev logging.Severity) string {
	switch sev {
	case logging.SeverityDebug:
		return "debug"
	case logging.SeverityInfo:
		return "info"
	case logging.SeverityWarn:
		return "warn"
	case logging.SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatExtra(extra map[string]any) string {
	if len(extra) == 0 {
		return ""
	}
	parts := make([]string, 0, len(extra))
	for _, key := range slices.Sorted(maps.Keys(extra)) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, extra[key]))
	}
	return " " + strings.Join(parts, " ")
}

func formatTrace(id string) string {
	if id == "" {
		return ""
	}
	return " trace=" + id
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}
