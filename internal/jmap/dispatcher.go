package jmap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// HandlerFunc executes one method call. A non-nil MethodError becomes an
// ["error", ...] response entry for that call only.
type HandlerFunc func(ctx context.Context, accountID string, args json.RawMessage) (any, *MethodError)

// ErrUnknownCapability is returned by Dispatch when the request's "using"
// list names a capability the server does not implement. It maps to an
// HTTP-level 400, not a per-method error.
type ErrUnknownCapability struct {
	Capability string
}

func (e *ErrUnknownCapability) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Capability)
}

// Dispatcher routes method calls to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register binds a method name ("Mailbox/set") to its handler.
func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.handlers[method] = fn
}

// Dispatch runs every method call in order. Tags are echoed verbatim and
// response order matches request order. An unknown method or failed call
// produces an error entry for that call; the batch continues.
func (d *Dispatcher) Dispatch(ctx context.Context, accountID string, req *Request) (*Response, error) {
	for _, cap := range req.Using {
		if !KnownCapabilities[cap] {
			return nil, &ErrUnknownCapability{Capability: cap}
		}
	}

	resp := &Response{MethodResponses: make([]ResponseInvocation, 0, len(req.MethodCalls))}
	for _, call := range req.MethodCalls {
		handler, ok := d.handlers[call.Name]
		if !ok {
			resp.MethodResponses = append(resp.MethodResponses, ResponseInvocation{
				Name:   "error",
				Result: NewMethodError(ErrTypeUnknownMethod, fmt.Sprintf("Unknown method %q", call.Name)),
				Tag:    call.Tag,
			})
			continue
		}

		result, methodErr := handler(ctx, accountID, call.Args)
		if methodErr != nil {
			if methodErr.Type == ErrTypeServerError {
				d.logger.ErrorContext(ctx, "Method call failed",
					slog.String("method", call.Name),
					slog.String("account_id", accountID),
					slog.String("error", methodErr.Description),
				)
			}
			resp.MethodResponses = append(resp.MethodResponses, ResponseInvocation{
				Name:   "error",
				Result: methodErr,
				Tag:    call.Tag,
			})
			continue
		}

		resp.MethodResponses = append(resp.MethodResponses, ResponseInvocation{
			Name:   call.Name,
			Result: result,
			Tag:    call.Tag,
		})
	}
	return resp, nil
}

// DecodeArgs parses raw method arguments into a typed argument struct.
func DecodeArgs(raw json.RawMessage, target any) *MethodError {
	if len(raw) == 0 {
		return NewMethodError(ErrTypeInvalidArguments, "missing method arguments")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return NewMethodError(ErrTypeInvalidArguments, err.Error())
	}
	return nil
}
