package call

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct-1/calls", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "acct-1", user)
		assert.Equal(t, "token-1", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550100001", r.FormValue("To"))
		assert.Equal(t, "+15550109999", r.FormValue("From"))
		assert.Equal(t, "https://broker.example.com/api/calls/webhook", r.FormValue("StatusCallback"))
		assert.Equal(t, "https://broker.example.com/api/calls/connect", r.FormValue("ConnectUrl"))
		assert.Equal(t, "sess-1", r.FormValue("SessionRef"))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"call_id": "prov-123"}`))
	}))
	defer srv.Close()

	p := NewRestProvider(srv.URL, "acct-1", "token-1", "+15550109999", "https://broker.example.com")
	id, err := p.PlaceCall(context.Background(), "+15550100001", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "prov-123", id)
}

func TestPlaceCall_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewRestProvider(srv.URL, "acct-1", "token-1", "+15550109999", "https://broker.example.com")
	_, err := p.PlaceCall(context.Background(), "+15550100001", "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPlaceCall_EmptyCallID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := NewRestProvider(srv.URL, "acct-1", "token-1", "+15550109999", "https://broker.example.com")
	_, err := p.PlaceCall(context.Background(), "+15550100001", "sess-1")
	assert.Error(t, err)
}
