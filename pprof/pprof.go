package pprof

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
)

// ListenAndServe exposes the runtime profiling endpoints on a loopback port,
// kept off the public API listener.
func ListenAndServe(port int) error {
	return fmt.Errorf("pprof listener stopped: %w", http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), nil))
}
