package application

import (
	"context"
	"fmt"

	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
	"go.uber.org/zap"
)

// toolBridge adapts domaintool.Registry → service.ToolExecutor.
// This allows the AgentLoop to discover and execute tools through the shared registry.
// enforcer, when set, runs path-argument validation ahead of every call —
// the one point every AgentLoop-driven tool execution passes through.
type toolBridge struct {
	registry domaintool.Registry
	enforcer *domaintool.PolicyEnforcer
	logger   *zap.Logger
}

// Execute implements service.ToolExecutor.Execute
func (b *toolBridge) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	tool, ok := b.registry.Get(name)
	if !ok {
		return &domaintool.Result{
			Output:  fmt.Sprintf("Tool '%s' not found", name),
			Success: false,
			Error:   fmt.Sprintf("tool '%s' not registered", name),
		}, nil
	}

	if b.enforcer != nil {
		if err := b.enforcer.ValidateArgs(name, args); err != nil {
			msg := err.Error()
			if apperrors.IsSafety(err) {
				if b.logger != nil {
					b.logger.Warn("tool call blocked by path safety policy",
						zap.String("tool", name), zap.Error(err))
				}
				msg = apperrors.SafetyMarker + " " + msg
			}
			return &domaintool.Result{
				Output:  msg,
				Success: false,
				Error:   msg,
			}, nil
		}
	}

	return tool.Execute(ctx, args)
}

// GetDefinitions implements service.ToolExecutor.GetDefinitions
func (b *toolBridge) GetDefinitions() []domaintool.Definition {
	return b.registry.List()
}

// GetToolKind implements service.ToolExecutor.GetToolKind
func (b *toolBridge) GetToolKind(name string) domaintool.Kind {
	tool, ok := b.registry.Get(name)
	if !ok {
		return domaintool.KindExecute
	}
	return tool.Kind()
}
