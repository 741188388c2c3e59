package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/config"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/notify"
	"github.com/npezzotti/ephemeral-chat/internal/server"
	"github.com/npezzotti/ephemeral-chat/internal/stats"
	"github.com/npezzotti/ephemeral-chat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

type testApp struct {
	app      *ChatApp
	handler  http.Handler
	store    database.RoomStore
	verifier *auth.Verifier
	// codes holds the last code delivered per email address
	codes map[string]string
}

func newTestApp(t *testing.T, store database.RoomStore) *testApp {
	t.Helper()

	ta := &testApp{store: store, codes: make(map[string]string)}
	logger := testutil.TestLogger(t)

	notifier := &notify.MockNotifier{}
	notifier.On("SendCode", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ta.codes[args.String(1)] = args.String(2)
		}).
		Return(nil).Maybe()

	ta.verifier = auth.NewVerifier(logger, store, notifier, auth.Options{
		SigningKey:       testSigningKey,
		ChallengeTTL:     time.Minute,
		IdentityTokenTTL: time.Minute,
		MaxAttempts:      3,
		BcryptCost:       bcrypt.MinCost,
	})

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	cs, err := server.NewChatServer(logger, store, ta.verifier, su, server.Options{
		IdleRoomTimeout: time.Minute,
		SweepInterval:   time.Minute,
		MessagesPerSec:  100,
		MessageBurst:    100,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	ta.app = NewChatApp(http.NewServeMux(), logger, cs, store, &config.Config{
		ServerAddr:     "localhost:8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	ta.handler = ta.app.srv.Handler
	return ta
}

func (ta *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestNewChatApp(t *testing.T) {
	store := database.NewMemoryRoomStore()
	ta := newTestApp(t, store)

	assert.NotNil(t, ta.app.srv, "expected http server to be initialized")
	assert.NotNil(t, ta.app.log, "expected logger to be set")
	assert.NotNil(t, ta.app.cs, "expected chat server to be set")
	assert.Equal(t, ta.verifier, ta.app.verifier, "expected verifier to come from the chat server")
	assert.Equal(t, store, ta.app.store)
	assert.Equal(t, "localhost:8080", ta.app.srv.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, ta.app.allowedOrigins)
}

func TestHealthCheck(t *testing.T) {
	tcases := []struct {
		name       string
		pingErr    error
		expectCode int
	}{
		{name: "healthy", expectCode: http.StatusOK},
		{name: "store down", pingErr: assert.AnError, expectCode: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store := &database.MockRoomStore{}
			store.On("Ping", mock.Anything).Return(tc.pingErr).Once()
			ta := newTestApp(t, store)

			rr := ta.do(t, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, tc.expectCode, rr.Code)
			if tc.pingErr == nil {
				assert.Equal(t, "OK", rr.Body.String())
			}
			store.AssertExpectations(t)
		})
	}
}

func TestCORS(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}
