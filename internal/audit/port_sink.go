package audit

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// portEventPayload is the JSON payload recorded for one PortSink event.
type portEventPayload struct {
	Event   string    `json:"event"`
	Port    int       `json:"port"`
	AgentID uuid.UUID `json:"agent_id"`
}

// PortSink adapts a Logger to registry.AuditSink, giving every port
// register/unregister/busy outcome a hash-chained entry. Logging failures
// are non-fatal per §7: the registry must not block on the audit log, so
// a write error is logged and swallowed rather than returned.
type PortSink struct {
	logger *Logger
	log    *slog.Logger
}

// NewPortSink wraps logger for use as a registry.AuditSink. log may be nil,
// in which case slog.Default() is used.
func NewPortSink(logger *Logger, log *slog.Logger) *PortSink {
	if log == nil {
		log = slog.Default()
	}
	return &PortSink{logger: logger, log: log}
}

// RecordPortEvent implements registry.AuditSink.
func (s *PortSink) RecordPortEvent(event string, port int, agentID uuid.UUID) {
	payload, err := json.Marshal(portEventPayload{Event: event, Port: port, AgentID: agentID})
	if err != nil {
		s.log.Error("audit: marshal port event", slog.Any("error", err))
		return
	}
	if _, err := s.logger.Append(payload); err != nil {
		s.log.Error("audit: append port event", slog.String("event", event), slog.Int("port", port), slog.Any("error", err))
	}
}
