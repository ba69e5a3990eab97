package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/message"
)

// TaskBoardName is the default name of the TaskBoard capability.
const TaskBoardName = "task_board"

// Task status values tracked by TaskBoard.
const (
	TaskInProgress = "in_progress"
	TaskSucceeded  = "success"
	TaskFailed     = "failed"
)

// TaskBoard actions.
const (
	ActionReportProgress  = "report_progress"
	ActionReportFailure   = "report_failure"
	ActionGetSystemStatus = "get_system_status"
)

// TaskState is the last known state of one task.
type TaskState struct {
	Status    string         `json:"status"`
	Progress  map[string]any `json:"progress,omitempty"`
	Error     any            `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskBoard collects progress and failure reports from other capabilities
// and answers system status queries.
type TaskBoard struct {
	broker *broker.Broker
	start  time.Time
	clock  func() time.Time

	mu       sync.Mutex
	tasks    map[string]TaskState
	requests int
}

// NewTaskBoard creates a board that reports registrations of b.
func NewTaskBoard(b *broker.Broker) *TaskBoard {
	return &TaskBoard{broker: b, start: time.Now(), clock: time.Now, tasks: make(map[string]TaskState)}
}

// Descriptor implements Capability.
func (tb *TaskBoard) Descriptor() Descriptor {
	return Descriptor{
		Name:        TaskBoardName,
		Description: "Record task progress or failures, or report overall system status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				KeyAction: map[string]any{
					"type": "string",
					"enum": []any{ActionReportProgress, ActionReportFailure, ActionGetSystemStatus},
				},
				"task_id":    map[string]any{"type": "string"},
				"progress":   map[string]any{"type": "object"},
				"error_info": map[string]any{"type": "object"},
			},
			"required": []string{KeyAction},
		},
	}
}

// Execute implements Capability.
func (tb *TaskBoard) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	action, _ := args[KeyAction].(string)
	taskID, _ := args["task_id"].(string)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.requests++

	switch action {
	case ActionReportProgress:
		if taskID != "" {
			progress, _ := args["progress"].(map[string]any)
			tb.progressLocked(taskID, progress)
		}

		return map[string]any{message.KeyStatus: "acknowledged"}, nil
	case ActionReportFailure:
		if taskID != "" {
			tb.tasks[taskID] = TaskState{Status: TaskFailed, Error: args["error_info"], UpdatedAt: tb.clock()}
		}

		return map[string]any{message.KeyStatus: "acknowledged", KeyAction: "will_consider_replanning"}, nil
	case ActionGetSystemStatus:
		return tb.statusLocked(), nil
	default:
		return map[string]any{message.KeyStatus: "received", message.KeyMessage: fmt.Sprintf("Processed action: %s", action)}, nil
	}
}

func (tb *TaskBoard) progressLocked(taskID string, progress map[string]any) {
	st := tb.tasks[taskID]

	merged := make(map[string]any, len(st.Progress)+len(progress))
	for k, v := range st.Progress {
		merged[k] = v
	}

	for k, v := range progress {
		merged[k] = v
	}

	st.Progress = merged
	st.UpdatedAt = tb.clock()

	if s, ok := progress[message.KeyStatus].(string); ok && s != "" {
		st.Status = s
	} else if st.Status == "" {
		st.Status = TaskInProgress
	}

	tb.tasks[taskID] = st
}

func (tb *TaskBoard) statusLocked() map[string]any {
	counts := map[string]int{}
	tasks := make(map[string]any, len(tb.tasks))

	for id, st := range tb.tasks {
		counts[st.Status]++
		tasks[id] = map[string]any{
			message.KeyStatus: st.Status,
			"progress":        st.Progress,
			"error":           st.Error,
			"updated_at":      st.UpdatedAt.Format(time.RFC3339Nano),
		}
	}

	var registered []string
	if tb.broker != nil {
		registered = tb.broker.Registered()
	}

	return Success(map[string]any{
		"uptime_seconds":    tb.clock().Sub(tb.start).Seconds(),
		"total_requests":    tb.requests,
		"registered":        registered,
		"tasks_in_progress": counts[TaskInProgress],
		"tasks_completed":   counts[TaskSucceeded],
		"tasks_failed":      counts[TaskFailed],
		"tasks":             tasks,
	})
}

// Tasks returns a copy of all task states.
func (tb *TaskBoard) Tasks() map[string]TaskState {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	out := make(map[string]TaskState, len(tb.tasks))
	for id, st := range tb.tasks {
		out[id] = st
	}

	return out
}

// TaskIDs returns the tracked task ids, sorted.
func (tb *TaskBoard) TaskIDs() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	ids := make([]string, 0, len(tb.tasks))
	for id := range tb.tasks {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
