package graphql

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/gateway"
)

func newTestServer(t *testing.T) (*testGateway, *Server, *httptest.Server) {
	t.Helper()

	g := newTestGateway(t)
	srv := NewServer(gateway.DefaultConfig(), g.resolver, g.bus)
	require.NoError(t, srv.Setup())

	ts := httptest.NewServer(http.HandlerFunc(srv.handleGraphQL))
	t.Cleanup(ts.Close)
	return g, srv, ts
}

func postQuery(t *testing.T, url, query string) *Response {
	t.Helper()

	body, err := json.Marshal(Request{Query: query})
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func TestServerHandlesQueryOverHTTP(t *testing.T) {
	_, _, ts := newTestServer(t)

	out := postQuery(t, ts.URL, `{ federationStatus(domain: "http.example") { domain state } }`)

	require.Empty(t, out.Errors)
	status := out.Data["federationStatus"].(map[string]any)
	assert.Equal(t, "http.example", status["domain"])
	assert.Equal(t, "ACTIVE", status["state"])
}

func TestServerRejectsNonPost(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerRejectsMalformedBody(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketSubscriptionDeliversBudgetAlerts(t *testing.T) {
	g, _, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsMessage{Type: wsConnectionInit}))
	ack := readMessage(t, conn)
	assert.Equal(t, wsConnectionAck, ack.Type)

	payload, err := json.Marshal(Request{
		Query: `subscription { budgetAlerts(domain: "watched.example") { domain level percentUsed } }`,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsMessage{ID: "1", Type: wsSubscribe, Payload: payload}))

	// give the hub time to attach the bus subscription
	require.Eventually(t, func() bool {
		return g.bus.SubscriberCount(event.TopicBudgetAlerts) > 0
	}, time.Second, 10*time.Millisecond)

	// filtered out: different domain
	g.bus.Publish(event.BudgetAlert{ID: "x", Domain: "other.example", Level: event.AlertInfo})
	g.bus.Publish(event.BudgetAlert{
		ID:          "a1",
		Domain:      "watched.example",
		Level:       event.AlertWarning,
		PercentUsed: 85,
	})

	next := readMessage(t, conn)
	require.Equal(t, wsNext, next.Type)
	assert.Equal(t, "1", next.ID)

	var resp Response
	require.NoError(t, json.Unmarshal(next.Payload, &resp))
	alert := resp.Data["budgetAlerts"].(map[string]any)
	assert.Equal(t, "watched.example", alert["domain"])
	assert.Equal(t, "WARNING", alert["level"])
	assert.InDelta(t, 85, alert["percentUsed"].(float64), 1e-9)

	require.NoError(t, conn.WriteJSON(wsMessage{ID: "1", Type: wsComplete}))
}

func TestWebsocketPingPong(t *testing.T) {
	_, _, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsMessage{Type: wsPing}))
	pong := readMessage(t, conn)
	assert.Equal(t, wsPong, pong.Type)
}

func TestWebsocketRejectsNonSubscriptionOperation(t *testing.T) {
	_, _, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(Request{Query: `{ federationStatus(domain: "x") { state } }`})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsMessage{ID: "q", Type: wsSubscribe, Payload: payload}))

	msg := readMessage(t, conn)
	assert.Equal(t, wsError, msg.Type)
}
