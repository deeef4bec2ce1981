package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipflow/internal/integrations"
)

type captured struct {
	path string
	body map[string]any
	auth string
}

func newLedgerServer(t *testing.T, status int) (*httptest.Server, *[]captured) {
	t.Helper()
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, captured{path: r.URL.EscapedPath(), body: body, auth: r.Header.Get("Authorization")})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestHTTPCommissionLifecycle(t *testing.T) {
	srv, got := newLedgerServer(t, http.StatusOK)
	c := NewHTTP(srv.URL, integrations.StaticToken("tok"))
	ctx := context.Background()

	require.NoError(t, c.CreateCommission(ctx, "ORD 1", "agent-7", 0.05))
	require.NoError(t, c.ApproveCommission(ctx, "ORD 1"))
	require.NoError(t, c.ReverseCommission(ctx, "ORD 1", 1500))

	require.Len(t, *got, 3)
	assert.Equal(t, "/commissions", (*got)[0].path)
	assert.Equal(t, "agent-7", (*got)[0].body["user_id"])
	assert.Equal(t, 0.05, (*got)[0].body["rate"])
	assert.Equal(t, "/commissions/ORD%201/approve", (*got)[1].path)
	assert.Equal(t, "/commissions/ORD%201/reverse", (*got)[2].path)
	assert.Equal(t, float64(1500), (*got)[2].body["amount"])
	assert.Equal(t, "Bearer tok", (*got)[2].auth)
}

func TestHTTPSurfacesErrors(t *testing.T) {
	srv, _ := newLedgerServer(t, http.StatusInternalServerError)
	err := NewHTTP(srv.URL, nil).ApproveCommission(context.Background(), "ORD-1")
	var se *integrations.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestNoop(t *testing.T) {
	var n Noop
	assert.NoError(t, n.ReverseCommission(context.Background(), "x", 1))
}
