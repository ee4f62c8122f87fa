package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/todosync/internal/jobs"
	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/propagation"
	todosync "github.com/mschirtzinger/todosync/internal/sync"
)

// SnapshotData summarizes the snapshot of the active account.
type SnapshotData struct {
	Account     string `json:"account"`
	DataVersion string `json:"data_version"`
	Tasks       int    `json:"tasks"`
	Tags        int    `json:"tags"`
	Relations   int    `json:"relations"`
}

// SyncResultData describes one sync attempt.
type SyncResultData struct {
	Account    string        `json:"account,omitempty"`
	Job        string        `json:"job,omitempty"`
	RetryCount int           `json:"retry_count"`
	Outcome    string        `json:"outcome"`
	Reason     string        `json:"reason"`
	Version    string        `json:"version,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// StatusData is sent to clients on connect.
type StatusData struct {
	Snapshot   *SnapshotData   `json:"snapshot,omitempty"`
	LastResult *SyncResultData `json:"last_result,omitempty"`
}

// Handler turns propagation events and sync results into dashboard messages
// and remembers the latest of each for newly connected clients.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu       sync.Mutex
	snapshot *SnapshotData
	result   *SyncResultData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{server: server, logger: logger}
	server.status = h.statusMessage
	return h
}

// OnEvent handles a propagation event.
func (h *Handler) OnEvent(ev propagation.Event) {
	data := summarize(ev.Account, ev.Snapshot)

	h.mu.Lock()
	h.snapshot = &data
	h.mu.Unlock()

	typ := MessageTypeSnapshotLoaded
	if ev.Kind == propagation.SyncApplied {
		typ = MessageTypeSyncApplied
	}
	h.send(typ, data)
}

// OnResult handles the result of a sync attempt. job may be nil for attempts
// not started by the runner.
func (h *Handler) OnResult(job *jobs.Job, res todosync.Result) {
	data := SyncResultData{
		Account:  res.Account,
		Outcome:  res.Outcome.String(),
		Reason:   string(res.Reason),
		Version:  res.Version,
		Duration: res.Duration,
	}
	if job != nil {
		data.Job = string(job.Kind)
		data.RetryCount = job.RetryCount
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}

	h.mu.Lock()
	h.result = &data
	h.mu.Unlock()

	h.send(MessageTypeSyncResult, data)
}

// Status returns the latest known state.
func (h *Handler) Status() StatusData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatusData{Snapshot: h.snapshot, LastResult: h.result}
}

func (h *Handler) statusMessage() Message {
	data, err := json.Marshal(h.Status())
	if err != nil {
		h.logger.Error("failed_to_marshal_status", zap.Error(err))
		return Message{Type: MessageTypeStatus}
	}
	return Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed_to_marshal_message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

func summarize(account string, snap model.Snapshot) SnapshotData {
	return SnapshotData{
		Account:     account,
		DataVersion: snap.Version.DataVersion,
		Tasks:       len(snap.ActiveTasks()),
		Tags:        len(snap.ActiveTags()),
		Relations:   len(snap.ActiveRelations()),
	}
}
