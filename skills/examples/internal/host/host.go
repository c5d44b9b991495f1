//go:build tinygo || wasm

package host

import (
	"os"
	"strings"
	"unsafe"
)

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Result hands the tool output back to the host. The last call wins.
func Result(text string) {
	if len(text) == 0 {
		hostResult(nil, 0)
		return
	}
	b := []byte(text)
	hostResult(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Arg returns the named tool argument, or "" when the model omitted it.
func Arg(name string) string {
	return os.Getenv("LOQA_TOOL_ARG_" + strings.ToUpper(name))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_result
func hostResult(ptr unsafe.Pointer, length uint32)
