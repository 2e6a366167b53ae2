package activity

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/events"
	"github.com/webmixgamer/trinity/internal/events/bus"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Recorder is the write facade over the journal: it persists a record first,
// then fans it out on the event bus. A record is only published after it is
// durable, so live observers never see entries that a crash could erase.
type Recorder struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store *Store, eventBus bus.EventBus, log *logger.Logger) *Recorder {
	return &Recorder{store: store, bus: eventBus, logger: log}
}

// Store returns the underlying journal store for historical queries.
func (r *Recorder) Store() *Store {
	return r.store
}

// Record appends and publishes a journal record. Publish failures are logged
// and swallowed; the journal is the source of truth, the bus is best-effort.
func (r *Recorder) Record(ctx context.Context, record *v1.ActivityRecord) {
	if err := r.store.Append(ctx, record); err != nil {
		r.logger.Error("failed to append activity record",
			zap.String("agent", record.AgentName),
			zap.String("kind", string(record.Kind)),
			zap.Error(err))
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		r.logger.Error("failed to marshal activity record", zap.Error(err))
		return
	}
	event := bus.NewEvent(events.ActivityAppended, "activity", map[string]any{
		"agent_name": record.AgentName,
		"record":     json.RawMessage(data),
	})
	if err := r.bus.Publish(ctx, events.ActivitySubject(record.AgentName), event); err != nil {
		r.logger.Warn("failed to publish activity record",
			zap.String("agent", record.AgentName), zap.Error(err))
	}
}

// StateTransition journals a lifecycle state change.
func (r *Recorder) StateTransition(ctx context.Context, agentName string, from, to v1.AgentState, reason string) {
	payload, _ := json.Marshal(map[string]string{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	severity := v1.SeverityInfo
	if to == v1.AgentStateError {
		severity = v1.SeverityError
	}
	r.Record(ctx, &v1.ActivityRecord{
		Kind:      v1.ActivityStateTransition,
		AgentName: agentName,
		Severity:  severity,
		Payload:   payload,
	})
}

// Alert journals a supervisor alert.
func (r *Recorder) Alert(ctx context.Context, agentName, alertKind, message string, severity v1.ActivitySeverity) {
	payload, _ := json.Marshal(map[string]string{
		"alert_kind": alertKind,
		"message":    message,
	})
	r.Record(ctx, &v1.ActivityRecord{
		Kind:      v1.ActivityAlert,
		AgentName: agentName,
		Severity:  severity,
		Payload:   payload,
	})
}
