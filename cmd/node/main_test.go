package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "TEST_ENV_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "UNSET_ENV_VAR",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

// TestMustGetenv tests the mustGetenv utility function
func TestMustGetenv(t *testing.T) {
	oldLogFatal := logFatal
	defer func() { logFatal = oldLogFatal }()

	fatalCalled := false
	logFatal = func(string, ...interface{}) { fatalCalled = true }

	t.Setenv("MUST_HAVE_VAR", "required_value")
	assert.Equal(t, "required_value", mustGetenv("MUST_HAVE_VAR"))
	assert.False(t, fatalCalled)

	assert.Empty(t, mustGetenv("MISSING_REQUIRED_VAR"))
	assert.True(t, fatalCalled)
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "east", want: []string{"east"}},
		{in: " east , ssd,,east ", want: []string{"east", "ssd"}},
		{in: ",", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTags(tt.in))
		})
	}
}

// TestMainFunction tests the main function with full lifecycle
func TestMainFunction(t *testing.T) {
	registered := make(chan struct{}, 1)
	coordServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			select {
			case registered <- struct{}{}:
			default:
			}
			w.WriteHeader(http.StatusNoContent)
		case "/servers":
			_, _ = w.Write([]byte(`{"servers":[{"id":"test-node","status":"reachable"}]}`))
		}
	}))
	defer coordServer.Close()

	t.Setenv("NODE_ID", "test-node")
	t.Setenv("NODE_TAGS", "east")
	t.Setenv("NODE_LISTEN", "127.0.0.1:0")
	t.Setenv("NODE_ADDR", "http://127.0.0.1:8081")
	t.Setenv("NODE_REFRESH", "20ms")
	t.Setenv("COORDINATOR_ADDR", coordServer.URL)

	oldLogFatal := logFatal
	defer func() { logFatal = oldLogFatal }()
	logFatal = func(format string, v ...interface{}) {
		t.Errorf("unexpected fatal: "+format, v...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		main()
	}()

	select {
	case <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("node never registered")
	}
	// let a few refreshes run
	time.Sleep(100 * time.Millisecond)

	process, _ := os.FindProcess(os.Getpid())
	require.NoError(t, process.Signal(syscall.SIGTERM))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Error("main did not shut down within timeout")
	}
}

func TestMainRejectsBadRefresh(t *testing.T) {
	t.Setenv("NODE_ID", "test-node")
	t.Setenv("COORDINATOR_ADDR", "http://127.0.0.1:1")
	t.Setenv("NODE_REFRESH", "soon")

	oldLogFatal := logFatal
	defer func() { logFatal = oldLogFatal }()
	fatalCalled := false
	logFatal = func(string, ...interface{}) { fatalCalled = true }

	main()
	assert.True(t, fatalCalled)
}
