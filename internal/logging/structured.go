// Package logging provides structured JSON logging for checkpoint operations.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a structured log event.
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Event     string                 `json:"event"`
	Agent     string                 `json:"agent,omitempty"`
	Branch    string                 `json:"branch,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Logger provides structured logging for a single component.
type Logger struct {
	component string
	agent     string
	branch    string
}

// New creates a new logger for a component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		agent:     os.Getenv("CKPT_AGENT"),
	}
}

// WithAgent sets the agent-name context.
func (l *Logger) WithAgent(agent string) *Logger {
	return &Logger{component: l.component, agent: agent, branch: l.branch}
}

// WithBranch sets the branch context.
func (l *Logger) WithBranch(branch string) *Logger {
	return &Logger{component: l.component, agent: l.agent, branch: branch}
}

func (l *Logger) log(level Level, event string, extra map[string]interface{}, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Event:     event,
		Agent:     l.agent,
		Branch:    l.branch,
		Extra:     extra,
	}
	if err != nil {
		e.Error = err.Error()
	}
	data, _ := json.Marshal(e)
	fmt.Fprintln(os.Stderr, string(data))
}

// Debug logs a debug event.
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	l.log(LevelDebug, event, extra, nil)
}

// Info logs an info event.
func (l *Logger) Info(event string, extra map[string]interface{}) {
	l.log(LevelInfo, event, extra, nil)
}

// Warn logs a warning event.
func (l *Logger) Warn(event string, extra map[string]interface{}, err error) {
	l.log(LevelWarn, event, extra, err)
}

// Error logs an error event.
func (l *Logger) Error(event string, extra map[string]interface{}, err error) {
	l.log(LevelError, event, extra, err)
}

// TimedEvent logs an event with an elapsed duration.
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]interface{}) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelInfo,
		Component: l.component,
		Event:     event,
		Agent:     l.agent,
		Branch:    l.branch,
		Duration:  time.Since(start).Milliseconds(),
		Extra:     extra,
	}
	data, _ := json.Marshal(e)
	fmt.Fprintln(os.Stderr, string(data))
}

// CheckpointEvent logs a checkpoint lifecycle event (create, rollback, merge).
func CheckpointEvent(event, agent, branch, checkpointID string, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelInfo,
		Component: "dag",
		Event:     event,
		Agent:     agent,
		Branch:    branch,
		Extra: map[string]interface{}{
			"checkpoint_id": checkpointID,
		},
	}
	if err != nil {
		e.Level = LevelError
		e.Error = err.Error()
	}
	data, _ := json.Marshal(e)
	fmt.Fprintln(os.Stderr, string(data))
}

// RecoveryEvent logs a safe-execution recovery decision.
func RecoveryEvent(outcome, agent string, attempt int, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelWarn,
		Component: "execution",
		Event:     outcome,
		Agent:     agent,
		Extra: map[string]interface{}{
			"attempt": attempt,
		},
	}
	if err != nil {
		e.Error = err.Error()
	}
	data, _ := json.Marshal(e)
	fmt.Fprintln(os.Stderr, string(data))
}
