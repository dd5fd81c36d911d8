package wasmrt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// writeJSON marshals v, grows the module's memory if needed, and writes
// it at the end of the current memory, returning (ptr, size) the guest
// can read back. Memory only ever grows; the plugin is expected to
// read promptly.
func writeJSON(mod api.Module, v interface{}) (uint32, uint32, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, 0, fmt.Errorf("wasmrt: marshal: %w", err)
	}
	return writeBytes(mod, data)
}

func writeBytes(mod api.Module, data []byte) (uint32, uint32, error) {
	mem := mod.Memory()
	size := uint32(len(data))
	ptr := mem.Size()

	pages := (size + 65535) / 65536
	if pages > 0 {
		if _, ok := mem.Grow(pages); !ok {
			return 0, 0, fmt.Errorf("wasmrt: grow memory for %d bytes failed", size)
		}
	}
	if !mem.Write(ptr, data) {
		return 0, 0, fmt.Errorf("wasmrt: write %d bytes at %d failed", size, ptr)
	}
	return ptr, size, nil
}

func readBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("wasmrt: read %d bytes at %d failed", size, ptr)
	}
	// Read returns a view into linear memory; copy it out before the
	// guest's next call can reuse or grow that region.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// callJSON calls fn with a JSON-encoded request written into guest
// memory, and JSON-decodes the (ptr, size) result it returns into out.
// fn is expected to follow the two-result (ptr, size) convention used
// throughout this package.
func callJSON(ctx context.Context, mod api.Module, fn api.Function, req interface{}, out interface{}) error {
	reqPtr, reqSize, err := writeJSON(mod, req)
	if err != nil {
		return err
	}

	results, err := fn.Call(ctx, uint64(reqPtr), uint64(reqSize))
	if err != nil {
		return fmt.Errorf("wasmrt: call failed: %w", err)
	}
	if len(results) < 2 {
		return fmt.Errorf("wasmrt: call returned %d results, want 2", len(results))
	}

	respData, err := readBytes(mod, uint32(results[0]), uint32(results[1]))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respData, out)
}
