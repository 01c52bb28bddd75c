package gateway

import (
	"context"
	"encoding/json"

	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
)

// registerBackendMethods exposes every backend operation as an RPC method
func registerBackendMethods(router *RPCRouter, b backend.Backend) {
	_ = router.RegisterMethod(backend.MethodStart, handleStart(b))
	_ = router.RegisterMethod(backend.MethodSend, handleSend(b))
	_ = router.RegisterMethod(backend.MethodLoad, handleLoad(b))
	_ = router.RegisterMethod(backend.MethodList, handleList(b))
	_ = router.RegisterMethod(backend.MethodDelete, handleDelete(b))
	_ = router.RegisterMethod(backend.MethodApprovalMode, handleApprovalMode(b))
	_ = router.RegisterMethod(backend.MethodAttachFile, handleAttachFile(b))
	_ = router.RegisterMethod(backend.MethodAttachAudio, handleAttachAudio(b))
}

// decodeParams unmarshals params into v. Missing params decode as the zero
// value so methods can report what is missing themselves.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &backend.RPCError{Code: backend.InvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func handleStart(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req backend.StartSessionRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return b.StartSession(ctx, req)
	}
}

func handleSend(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req backend.SendMessageRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return b.SendMessage(ctx, req)
	}
}

func handleLoad(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p backend.LoadParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, backend.Invalid("id is required")
		}
		return b.LoadSession(ctx, p.ID)
	}
}

func handleList(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var filter backend.Filter
		if err := decodeParams(params, &filter); err != nil {
			return nil, err
		}
		list, err := b.ListSessions(ctx, filter)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []chat.SessionSummary{}
		}
		return list, nil
	}
}

func handleDelete(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p backend.DeleteParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		deleted, err := b.DeleteSession(ctx, p.Target)
		if err != nil {
			return nil, err
		}
		return backend.DeleteResult{Deleted: deleted}, nil
	}
}

func handleApprovalMode(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p backend.ApprovalModeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, backend.Invalid("sessionId is required")
		}
		return b.SetApprovalMode(ctx, chat.ApprovalMode(p.Mode), p.SessionID)
	}
}

func handleAttachFile(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p backend.AttachFileParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return b.AttachFile(ctx, p.File, p.SessionID)
	}
}

func handleAttachAudio(b backend.Backend) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p backend.AttachAudioParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return b.AttachAudio(ctx, p.Audio, p.SessionID)
	}
}
