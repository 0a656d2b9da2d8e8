package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/medio"
	"github.com/loykin/medio/internal/server"
)

type fixedSession struct{ st medio.Status }

func (s fixedSession) Status() medio.Status { return s.st }

type fixedLoop struct{ st medio.Stats }

func (l fixedLoop) Stats() medio.Stats { return l.st }

func daemon(t *testing.T, st medio.Status) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := server.NewRouter(fixedSession{st: st}, fixedLoop{st: medio.Stats{State: "sleeping", Cycles: 4}}, "/api", false)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientStatus(t *testing.T) {
	ts := daemon(t, medio.Status{ID: "s1", State: "running", PID: 99, Alive: true, Submits: 12})
	st, err := NewAPIClient(ts.URL+"/api/", 0).GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "s1", st.Session.ID)
	assert.Equal(t, int64(12), st.Session.Submits)
	require.NotNil(t, st.Scan)
	assert.Equal(t, uint64(4), st.Scan.Cycles)
}

func TestClientHealth(t *testing.T) {
	ts := daemon(t, medio.Status{State: "failed", Error: "helper exited"})
	h, err := NewAPIClient(ts.URL+"/api", 0).GetHealth()
	require.NoError(t, err)
	assert.Equal(t, "failed", h.State)
	assert.NotEqual(t, "ok", h.Status)
}

func TestClientNotFound(t *testing.T) {
	ts := daemon(t, medio.Status{State: "running", Alive: true})
	_, err := NewAPIClient(ts.URL+"/wrong", 0).GetStatus()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error")
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	_, err := NewAPIClient(url, 0).GetStatus()
	require.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	ts := daemon(t, medio.Status{ID: "s1", State: "running", Alive: true})

	var out bytes.Buffer
	require.NoError(t, runStatus(StatusFlags{APIUrl: ts.URL + "/api"}, &out))
	assert.Contains(t, out.String(), `"id": "s1"`)

	out.Reset()
	require.NoError(t, runStatus(StatusFlags{APIUrl: ts.URL + "/api", Health: true}, &out))
	assert.Contains(t, out.String(), `"status": "ok"`)
}

func TestStatusCommandUnhealthy(t *testing.T) {
	ts := daemon(t, medio.Status{State: "stopped"})
	var out bytes.Buffer
	err := runStatus(StatusFlags{APIUrl: ts.URL + "/api", Health: true}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

func TestAPIURLFromListen(t *testing.T) {
	tests := []struct{ listen, base, want string }{
		{"127.0.0.1:9466", "/api", "http://127.0.0.1:9466/api"},
		{":9466", "/api", "http://127.0.0.1:9466/api"},
		{"0.0.0.0:80", "", "http://127.0.0.1:80"},
		{"[::]:9466", "/x", "http://127.0.0.1:9466/x"},
		{"host.lan:1", "/api", "http://host.lan:1/api"},
		{"127.0.0.1:9466", "api", "http://127.0.0.1:9466/api"},
		{"127.0.0.1:9466", " /api/ ", "http://127.0.0.1:9466/api"},
		{"127.0.0.1:9466", "/", "http://127.0.0.1:9466"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, apiURLFromListen(tt.listen, tt.base), tt.listen)
	}
}
