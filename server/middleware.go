package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/voocel/taskrpc/protocol"
)

type Middleware func(ToolHandler) ToolHandler

// Use adds middleware to the server. Middleware runs in the order it
// was added (onion model) and also wraps tools registered beforehand.
func (s *Server) Use(middleware ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.middlewares = append(s.middlewares, middleware...)

	for name, st := range s.tools {
		wrappedHandler := applyMiddleware(st.handler, middleware)
		s.tools[name].handler = wrappedHandler
	}
}

func applyMiddleware(handler ToolHandler, middlewares []Middleware) ToolHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// LoggingMiddleware logs every tool call with its duration and outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, req *CallToolRequest) (*protocol.CallToolResult, error) {
			start := time.Now()
			toolName := req.Params.Name

			attrs := []any{
				slog.String("tool", toolName),
			}
			if req.TaskID() != "" {
				attrs = append(attrs, slog.String("task", req.TaskID()))
			}
			logger.Info("tool call started", attrs...)

			result, err := next(ctx, req)

			duration := time.Since(start)

			switch {
			case err != nil:
				logger.Error("tool call failed",
					slog.String("tool", toolName),
					slog.Duration("duration", duration),
					slog.String("error", err.Error()),
				)
			case result != nil && result.IsError:
				logger.Warn("tool call returned error result",
					slog.String("tool", toolName),
					slog.Duration("duration", duration),
				)
			default:
				logger.Info("tool call completed",
					slog.String("tool", toolName),
					slog.Duration("duration", duration),
				)
			}

			return result, err
		}
	}
}

// RecoveryMiddleware turns handler panics into error results.
func RecoveryMiddleware() Middleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, req *CallToolRequest) (result *protocol.CallToolResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					err = fmt.Errorf("panic recovered: %v\n%s", r, stack)
					result = ErrorResult("Internal server error", err)
				}
			}()

			return next(ctx, req)
		}
	}
}

// TimeoutMiddleware bounds how long a tool call may run.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, req *CallToolRequest) (*protocol.CallToolResult, error) {
			timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resultCh := make(chan struct {
				result *protocol.CallToolResult
				err    error
			}, 1)

			go func() {
				result, err := next(timeoutCtx, req)
				resultCh <- struct {
					result *protocol.CallToolResult
					err    error
				}{result, err}
			}()

			select {
			case res := <-resultCh:
				return res.result, res.err
			case <-timeoutCtx.Done():
				return nil, TimeoutError(
					fmt.Sprintf("tool execution exceeded %v", timeout),
					WithDetail("tool", req.Params.Name),
				)
			}
		}
	}
}

// RateLimitMiddleware rejects calls once the limiter says no.
func RateLimitMiddleware(limiter RateLimiter) Middleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, req *CallToolRequest) (*protocol.CallToolResult, error) {
			toolName := req.Params.Name

			if !limiter.Allow(toolName) {
				return nil, NewToolError(
					ErrTooManyRequest,
					fmt.Sprintf("rate limit exceeded for tool %s", toolName),
					WithDetail("tool", toolName),
				)
			}

			return next(ctx, req)
		}
	}
}

// RateLimiter decides whether a tool call may proceed.
type RateLimiter interface {
	Allow(tool string) bool
}
