// Package testsupport holds test-only helpers shared across package
// test suites: an httptest.Server wrapper that skips gracefully under
// sandboxed CI, and an in-memory DurableStore fake. Grounded on
// r3e-network-service_layer's infrastructure/testutil/httptest.go.
package testsupport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// NewHTTPTestServer creates an httptest.Server and skips the test if
// the sandbox blocks opening a local listener.
func NewHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied") {
				t.Skipf("skipping HTTP server test due to sandbox restrictions: %v", r)
			}
			panic(r)
		}
	}()
	return httptest.NewServer(handler)
}
