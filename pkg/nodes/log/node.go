// Package log provides a node that writes a templated message to the structured logger.
package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/template"
)

const NodeType = "log"

// LogLevel represents different logging levels.
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

var logLevelName = map[LogLevel]string{
	Debug: "debug",
	Info:  "info",
	Warn:  "warn",
	Error: "error",
}

var slogLevel = map[string]slog.Level{
	logLevelName[Debug]: slog.LevelDebug,
	logLevelName[Info]:  slog.LevelInfo,
	logLevelName[Warn]:  slog.LevelWarn,
	logLevelName[Error]: slog.LevelError,
}

// LogNode logs a message rendered against the state.
type LogNode struct {
	graph.BaseNode

	message *template.Template
	level   string
	logger  *slog.Logger
}

// NewLogNode creates a new logging node. An unknown level logs at info.
func NewLogNode(id, message, level string, logger *slog.Logger, opts ...graph.Option) (*LogNode, error) {
	if message == "" {
		return nil, errors.New("missing required field 'message'")
	}

	tmpl, err := template.Parse(message)
	if err != nil {
		return nil, err
	}

	if _, ok := slogLevel[level]; !ok {
		level = logLevelName[Info]
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &LogNode{
		BaseNode: graph.NewBaseNode(id, NodeType, opts...),
		message:  tmpl,
		level:    level,
		logger:   logger.With("node_id", id, "node_type", NodeType),
	}, nil
}

// Execute performs the logging operation.
func (n *LogNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	rendered, err := n.message.Execute(template.StateData(st))
	if err != nil {
		return nil, models.NewGraphError(models.ErrorTypeValidation, "failed to render log message template", err)
	}

	message := fmt.Sprintf("%v", rendered)

	n.logger.Log(ctx, slogLevel[n.level], message)

	return models.NewNodeResult(n.ID(), map[string]any{
		"message": message,
		"level":   n.level,
		"logged":  true,
	}), nil
}
