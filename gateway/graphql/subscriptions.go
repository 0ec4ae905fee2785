package graphql

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/c360/fedmeter/event"
)

// graphql-transport-ws message types. Only the subset the engine needs is
// implemented: init/ack, subscribe/next/complete, ping/pong, error.
const (
	wsConnectionInit = "connection_init"
	wsConnectionAck  = "connection_ack"
	wsSubscribe      = "subscribe"
	wsNext           = "next"
	wsComplete       = "complete"
	wsError          = "error"
	wsPing           = "ping"
	wsPong           = "pong"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionHub upgrades websocket connections and bridges schema
// subscriptions onto event bus topics. Each active subscription holds one
// bus subscription whose events are pushed as "next" messages.
type SubscriptionHub struct {
	schema   *ast.Schema
	bus      *event.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewSubscriptionHub creates a hub over the loaded schema and event bus
func NewSubscriptionHub(schema *ast.Schema, bus *event.Bus, logger *slog.Logger) *SubscriptionHub {
	return &SubscriptionHub{
		schema: schema,
		bus:    bus,
		logger: logger.With("component", "graphql-subscriptions"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"graphql-transport-ws"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsConn serializes writes to one websocket connection
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) sendError(id string, errs gqlerror.List) {
	payload, err := json.Marshal(errs)
	if err != nil {
		return
	}
	_ = c.send(wsMessage{ID: id, Type: wsError, Payload: payload})
}

// ServeHTTP upgrades the connection and runs the protocol loop until the
// client disconnects
func (h *SubscriptionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	subs := make(map[string]*event.Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for {
		var msg wsMessage
		if err := raw.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case wsConnectionInit:
			_ = conn.send(wsMessage{Type: wsConnectionAck})

		case wsPing:
			_ = conn.send(wsMessage{Type: wsPong})

		case wsSubscribe:
			if _, exists := subs[msg.ID]; exists {
				conn.sendError(msg.ID, gqlerror.List{{
					Message: fmt.Sprintf("subscriber id %q already exists", msg.ID),
				}})
				continue
			}
			sub, errs := h.subscribe(conn, msg)
			if len(errs) > 0 {
				conn.sendError(msg.ID, errs)
				continue
			}
			subs[msg.ID] = sub

		case wsComplete:
			if sub, ok := subs[msg.ID]; ok {
				sub.Close()
				delete(subs, msg.ID)
			}
		}
	}
}

// subscribe parses and validates the subscription operation, attaches a bus
// subscription with the requested filter, and starts pushing events
func (h *SubscriptionHub) subscribe(conn *wsConn, msg wsMessage) (*event.Subscription, gqlerror.List) {
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, gqlerror.List{{Message: "malformed subscribe payload"}}
	}

	doc, errs := gqlparser.LoadQuery(h.schema, req.Query)
	if len(errs) > 0 {
		return nil, errs
	}
	if len(doc.Operations) != 1 || doc.Operations[0].Operation != ast.Subscription {
		return nil, gqlerror.List{{Message: "payload must contain exactly one subscription operation"}}
	}

	fields := flattenSelections(doc.Operations[0].SelectionSet)
	if len(fields) != 1 {
		return nil, gqlerror.List{{Message: "subscriptions must select exactly one root field"}}
	}
	field := fields[0]
	args := field.ArgumentMap(req.Variables)

	topic, filter, gqlErr := subscriptionTarget(field.Name, args)
	if gqlErr != nil {
		return nil, gqlerror.List{gqlErr}
	}

	alias := field.Alias
	if alias == "" {
		alias = field.Name
	}

	sub := h.bus.Subscribe(topic, filter, 16)
	go h.pump(conn, msg.ID, alias, field, sub)
	return sub, nil
}

func (h *SubscriptionHub) pump(conn *wsConn, id, alias string, field *ast.Field, sub *event.Subscription) {
	for ev := range sub.Events() {
		wire := toSubscriptionPayload(ev)
		if wire == nil {
			continue
		}
		data := map[string]any{alias: prune(toJSONValue(wire), field.SelectionSet)}
		payload, err := json.Marshal(Response{Data: data})
		if err != nil {
			h.logger.Warn("subscription payload marshal failed", "error", err)
			continue
		}
		if err := conn.send(wsMessage{ID: id, Type: wsNext, Payload: payload}); err != nil {
			sub.Close()
			return
		}
	}
	_ = conn.send(wsMessage{ID: id, Type: wsComplete})
}

// subscriptionTarget maps a subscription root field to its bus topic and
// filter predicate
func subscriptionTarget(name string, args map[string]any) (event.Topic, event.Filter, *gqlerror.Error) {
	switch name {
	case "federationHealthUpdates":
		return event.TopicHealthUpdates, event.FilterDomain(argString(args, "domain")), nil
	case "budgetAlerts":
		return event.TopicBudgetAlerts, event.FilterDomain(argString(args, "domain")), nil
	case "costAlerts":
		threshold := argFloat(args, "thresholdUSD")
		return event.TopicCostAlerts, func(e event.Event) bool {
			alert, ok := e.(event.CostAlert)
			return ok && alert.AccruedUSD >= threshold
		}, nil
	case "costUpdates":
		if threshold := argFloatPtr(args, "threshold"); threshold != nil {
			return event.TopicCostUpdates, event.FilterCostThreshold(*threshold), nil
		}
		return event.TopicCostUpdates, nil, nil
	default:
		return "", nil, &gqlerror.Error{
			Message:    fmt.Sprintf("unsupported subscription field %q", name),
			Extensions: map[string]interface{}{"code": "BAD_USER_INPUT"},
		}
	}
}
