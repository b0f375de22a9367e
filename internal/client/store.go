package client

import (
	"os"

	"github.com/helenejs/helene/internal/protocol"
)

// contextStore persists the server context projection across process runs so
// a restarted client can present it before its first rpc:init completes.
type contextStore struct {
	path string
}

// load returns the persisted context, or nil when the file is missing or
// unreadable. A corrupt store is ignored, not fatal.
func (s *contextStore) load() map[string]any {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	val, err := protocol.DecodeValue(raw)
	if err != nil {
		return nil
	}
	ctx, _ := val.(map[string]any)
	return ctx
}

func (s *contextStore) save(ctx map[string]any) {
	raw, err := protocol.EncodeValue(ctx)
	if err != nil {
		return
	}
	_ = os.WriteFile(s.path, raw, 0o600)
}
