package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokercall/internal/auth"
	"github.com/xtrntr/brokercall/internal/models"
)

func testHandler() *Handler {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Handler{
		AuthService: auth.NewService(nil, "test-secret"),
		Log:         log,
	}
}

func authed(r *http.Request, userID int) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestJWTAuthMiddleware(t *testing.T) {
	h := testHandler()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(r)
		require.True(t, ok)
		assert.Equal(t, 42, uid)
		w.WriteHeader(http.StatusOK)
	})
	protected := h.JWTAuthMiddleware(next)

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest("GET", "/trades", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/trades", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := h.AuthService.IssueToken(42)
		require.NoError(t, err)
		req := httptest.NewRequest("GET", "/trades", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestLogin_InvalidBody(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest("POST", "/auth/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decodeError(t, rec))
}

func TestSubmitTrade_Validation(t *testing.T) {
	h := testHandler()

	t.Run("no user in context", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/trades", strings.NewReader(`{"action":"buy","ticker":"AAPL","quantity":1}`))
		rec := httptest.NewRecorder()
		h.SubmitTrade(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad action", func(t *testing.T) {
		req := authed(httptest.NewRequest("POST", "/trades", strings.NewReader(`{"action":"short","ticker":"AAPL","quantity":1}`)), 1)
		rec := httptest.NewRecorder()
		h.SubmitTrade(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec), "buy")
	})

	t.Run("bad body", func(t *testing.T) {
		req := authed(httptest.NewRequest("POST", "/trades", strings.NewReader("nope")), 1)
		rec := httptest.NewRecorder()
		h.SubmitTrade(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateSchedule_Validation(t *testing.T) {
	h := testHandler()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad time", `{"phone_number":"+15550100001","call_time":"25:99","call_type":"market_open"}`, "call_time"},
		{"bad type", `{"phone_number":"+15550100001","call_time":"09:30","call_type":"brunch"}`, "call_type"},
		{"bad phone", `{"phone_number":"123","call_time":"09:30","call_type":"market_open"}`, "phone_number"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := authed(httptest.NewRequest("POST", "/schedules", strings.NewReader(c.body)), 1)
			rec := httptest.NewRecorder()
			h.CreateSchedule(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec), c.want)
		})
	}
}

func TestCallSpeech_EmptyUtterancePrompts(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest("POST", "/api/calls/speech", strings.NewReader("CallSid=prov-1&SpeechResult="))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.CallSpeech(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var reply voiceReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.True(t, reply.Gather, "caller should get another chance to speak")
	assert.NotEmpty(t, reply.Say)
}

func TestSubscribe_BadToken(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest("GET", "/ws?token=garbage", nil)
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIsRejection(t *testing.T) {
	for _, err := range []error{
		models.ErrInsufficientFunds,
		models.ErrInsufficientShares,
		models.ErrUnresolvableTicker,
		models.ErrInvalidQuantity,
		models.ErrQuoteUnavailable,
	} {
		assert.True(t, isRejection(err), "%v", err)
	}
	assert.False(t, isRejection(context.DeadlineExceeded))
}
