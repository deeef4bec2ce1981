package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":      "/healthz",
		"/v1/shipments": "/v1/shipments",
		"/v1/shipments/OBANA-20240101-abc/status": "/v1/shipments",
		"/v1/webhooks/gigl/updates":               "/v1/webhooks",
		"/v1/admin/webhook-logs/42/replay":        "/v1/admin",
		"/":                                       "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, routeLabel(in), in)
	}
}

func TestLogMiddlewareRecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := logMiddleware(zap.New(core), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/orders/ORD-1/tracking", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	entries := logs.FilterMessage("request").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, int64(http.StatusTeapot), entries[0].ContextMap()["status"])
	}
}

func TestStatusWriterPassesFlush(t *testing.T) {
	rr := httptest.NewRecorder()
	var w http.ResponseWriter = &statusWriter{ResponseWriter: rr}
	f, ok := w.(http.Flusher)
	assert.True(t, ok)
	f.Flush()
	assert.True(t, rr.Flushed)
	_, err := w.Write([]byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.(*statusWriter).status)
}
