// Package fedmeter is a federation cost and health management engine.
//
// It meters per-instance federation traffic in a windowed ledger, converts
// traffic into monthly cost, enforces budgets and traffic limits, monitors
// remote instance health, and drives each remote domain through a federation
// state machine (active, limited, paused, blocked, severed). Severed
// relationships are recorded and can be reconnected through a worker pool.
//
// The management surface is a GraphQL API with cursor pagination and
// websocket subscriptions, plus optional NATS event publishing and a
// Prometheus metrics endpoint. The cmd/fedmeter binary wires everything
// together from a YAML configuration file.
package fedmeter
