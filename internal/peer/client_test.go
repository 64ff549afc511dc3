package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamgrid/eventstore/internal/event"
)

func TestForwardSendsIsForwardedAndAuth(t *testing.T) {
	var gotAuth string
	var gotReq ForwardRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(ForwardResponse{Versions: []uint64{3}})
	}))
	defer server.Close()

	client := New("secret-token", time.Second)
	resp, err := client.Forward(context.Background(), server.Listener.Addr().String(), ForwardRequest{
		StreamID:        "s",
		Events:          []event.Event{event.New("s", event.TypeExternal, nil, nil)},
		ExpectedVersion: event.AnyVersion(),
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, resp.Versions)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.True(t, gotReq.IsForwarded)
}

func TestForwardMarksPeerDownOnFailure(t *testing.T) {
	client := New("", 50*time.Millisecond)
	_, err := client.Forward(context.Background(), "127.0.0.1:1", ForwardRequest{StreamID: "s"})
	require.Error(t, err)
	require.True(t, client.RecentlyDown("127.0.0.1:1"))
}
