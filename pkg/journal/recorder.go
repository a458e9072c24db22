package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/taskcore/pkg/telemetry"
)

// Recorder turns telemetry events into journal rows.
type Recorder struct {
	store  *Store
	logger *telemetry.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, logger *telemetry.Logger) *Recorder {
	if logger == nil {
		logger = telemetry.FromContext(context.Background())
	}
	return &Recorder{
		store:  store,
		logger: logger.NewComponentLogger("journal"),
	}
}

// Attach subscribes the recorder to every event of ep.
func (r *Recorder) Attach(ep *telemetry.EventPublisher) {
	if ep == nil {
		return
	}
	ep.Subscribe(r.Handle, nil)
}

// Handle records one event. Failures are logged, never returned: the
// journal must not fail the task it observes.
func (r *Recorder) Handle(event telemetry.Event) {
	if err := r.Record(context.Background(), event); err != nil {
		r.logger.WithError(err).
			WithField("event_type", event.Type).
			WithField("event_id", event.ID).
			Warn("failed to journal event")
	}
}

// Record stores event and updates the run, command, poll or connection it
// describes.
func (r *Recorder) Record(ctx context.Context, event telemetry.Event) error {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if event.RunID != "" {
		if err := r.store.ensureRun(ctx, event.RunID, at); err != nil {
			return err
		}
		if err := r.project(ctx, event, at); err != nil {
			return err
		}
	}

	stored := &Event{
		ID:        event.ID,
		Type:      event.Type,
		Source:    event.Source,
		Subject:   event.Subject,
		Level:     event.Level,
		Message:   event.Message,
		Timestamp: at,
	}
	if event.RunID != "" {
		runID := event.RunID
		stored.RunID = &runID
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		s := string(data)
		stored.Data = &s
	}
	return r.store.AppendEvent(ctx, stored)
}

func (r *Recorder) project(ctx context.Context, event telemetry.Event, at time.Time) error {
	data := event.Data

	switch event.Type {
	case telemetry.EventTypeRunStarted:
		return r.store.CreateRun(ctx, &Run{ID: event.RunID, Task: event.Subject, StartedAt: at})

	case telemetry.EventTypeRunCompleted:
		return r.store.CompleteRun(ctx, event.RunID, RunStatusSucceeded, at, nil)

	case telemetry.EventTypeRunFailed:
		reason := stringValue(data, "reason")
		return r.store.CompleteRun(ctx, event.RunID, RunStatusFailed, at, &reason)

	case telemetry.EventTypeCommandCompleted, telemetry.EventTypeCommandFailed:
		cmd := &Command{
			RunID:      event.RunID,
			Tool:       event.Subject,
			Args:       stringsValue(data, "args"),
			Status:     CommandStatusSucceeded,
			ExitCode:   int(intValue(data, "exit_code")),
			DurationMS: intValue(data, "duration_ms"),
			RecordedAt: at,
		}
		if event.Type == telemetry.EventTypeCommandFailed {
			cmd.Status = CommandStatusFailed
			kind := stringValue(data, "kind")
			reason := stringValue(data, "reason")
			cmd.ErrorKind = &kind
			cmd.Error = &reason
		}
		return r.store.RecordCommand(ctx, cmd)

	case telemetry.EventTypePollCompleted:
		ready, _ := data["ready"].(bool)
		return r.store.RecordPoll(ctx, &Poll{
			RunID:      event.RunID,
			URL:        event.Subject,
			Ready:      ready,
			Attempts:   int(intValue(data, "attempts")),
			DurationMS: intValue(data, "duration_ms"),
			RecordedAt: at,
		})

	case telemetry.EventTypeConnectionOpened:
		return r.store.OpenConnection(ctx, &Connection{
			ID:       stringValue(data, "connection_id"),
			RunID:    event.RunID,
			Endpoint: event.Subject,
			Kind:     stringValue(data, "kind"),
			OpenedAt: at,
		})

	case telemetry.EventTypeConnectionClosed:
		var cleanupErr *string
		if msg := stringValue(data, "error"); msg != "" {
			cleanupErr = &msg
		}
		return r.store.CloseConnection(ctx, stringValue(data, "connection_id"), at, cleanupErr)
	}

	return nil
}

func stringValue(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func stringsValue(data map[string]interface{}, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func intValue(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
