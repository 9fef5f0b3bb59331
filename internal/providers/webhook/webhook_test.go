package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/officedir/phoneauth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var (
		got  Payload
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL, ID: "relay", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "relay", w.ID())
	assert.Equal(t, "SMS", w.ChannelName())

	err = w.Push(context.Background(), models.Message{
		To:        "+966501234567",
		Code:      "123456",
		SessionID: "s1",
		Body:      "Your code is 123456",
		TTL:       5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "+966501234567", got.To)
	assert.Equal(t, "123456", got.Code)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 300, got.TTL)
	assert.Equal(t, "Your code is 123456", got.Body)
	assert.Equal(t, "Basic dTpw", auth)
}

func TestPushUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, w.Push(context.Background(), models.Message{To: "+966501234567"}))
}

func TestValidateAddress(t *testing.T) {
	w, err := New(Config{URL: "http://localhost"})
	require.NoError(t, err)

	assert.NoError(t, w.ValidateAddress("+966501234567"))
	assert.Error(t, w.ValidateAddress("0501234567"))
	assert.Error(t, w.ValidateAddress("+96650abc"))

	_, err = New(Config{})
	assert.Error(t, err)
}
