package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/metric"
)

// Request is a GraphQL request body
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL response body
type Response struct {
	Data   map[string]any `json:"data,omitempty"`
	Errors gqlerror.List  `json:"errors,omitempty"`
}

// Executor validates operations against the schema and dispatches top-level
// fields to the resolver. There is no generated execution layer: the schema
// drives validation and the dispatch table below drives resolution.
type Executor struct {
	schema   *ast.Schema
	resolver *Resolver
	metrics  *metric.Metrics
	maxDepth int
}

// NewExecutor creates an executor over a loaded schema and resolver
func NewExecutor(schema *ast.Schema, resolver *Resolver, maxDepth int, metrics *metric.Metrics) *Executor {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Executor{
		schema:   schema,
		resolver: resolver,
		metrics:  metrics,
		maxDepth: maxDepth,
	}
}

// Execute runs one query or mutation operation and returns the response.
// Field-level failures are reported in the errors list with the data entry
// set to null; they never abort sibling fields.
func (e *Executor) Execute(ctx context.Context, req Request) *Response {
	doc, errList := gqlparser.LoadQuery(e.schema, req.Query)
	if len(errList) > 0 {
		return &Response{Errors: errList}
	}

	op, gqlErr := e.selectOperation(doc, req.OperationName)
	if gqlErr != nil {
		return &Response{Errors: gqlerror.List{gqlErr}}
	}

	if op.Operation == ast.Subscription {
		return &Response{Errors: gqlerror.List{{
			Message:    "subscriptions must use the websocket transport",
			Extensions: map[string]interface{}{"code": "BAD_USER_INPUT"},
		}}}
	}

	if depth := selectionDepth(op.SelectionSet); depth > e.maxDepth {
		return &Response{Errors: gqlerror.List{{
			Message:    fmt.Sprintf("query depth %d exceeds maximum %d", depth, e.maxDepth),
			Extensions: map[string]interface{}{"code": "BAD_USER_INPUT"},
		}}}
	}

	rootType := "Query"
	if op.Operation == ast.Mutation {
		rootType = "Mutation"
	}

	data := make(map[string]any)
	var respErrors gqlerror.List

	for _, field := range flattenSelections(op.SelectionSet) {
		alias := field.Alias
		if alias == "" {
			alias = field.Name
		}
		if field.Name == "__typename" {
			data[alias] = rootType
			continue
		}

		start := time.Now()
		value, err := e.dispatch(ctx, field, field.ArgumentMap(req.Variables))
		e.recordOperation(field.Name, err, time.Since(start))

		if err != nil {
			respErrors = append(respErrors, wrapError(err, field.Name))
			data[alias] = nil
			continue
		}
		data[alias] = prune(toJSONValue(value), field.SelectionSet)
	}

	return &Response{Data: data, Errors: respErrors}
}

func (e *Executor) selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, *gqlerror.Error) {
	if name != "" {
		op := doc.Operations.ForName(name)
		if op == nil {
			return nil, &gqlerror.Error{
				Message:    fmt.Sprintf("operation %q not found in document", name),
				Extensions: map[string]interface{}{"code": "BAD_USER_INPUT"},
			}
		}
		return op, nil
	}
	if len(doc.Operations) != 1 {
		return nil, &gqlerror.Error{
			Message:    "operationName is required when the document defines multiple operations",
			Extensions: map[string]interface{}{"code": "BAD_USER_INPUT"},
		}
	}
	return doc.Operations[0], nil
}

func (e *Executor) recordOperation(name string, err error, duration time.Duration) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordGraphQLOperation(name, status, duration)
}

func (e *Executor) dispatch(ctx context.Context, field *ast.Field, args map[string]any) (any, error) {
	r := e.resolver
	switch field.Name {
	case "federationCosts":
		return r.FederationCosts(ctx, argStringDefault(args, "orderBy", "COST_DESC"),
			argIntPtr(args, "first"), argStringPtr(args, "after"))
	case "federationHealth":
		return r.FederationHealth(ctx, argStringDefault(args, "threshold", "UNKNOWN"))
	case "federationStatus":
		return r.FederationStatus(ctx, argString(args, "domain"))
	case "instanceBudgets":
		return r.InstanceBudgets(ctx, argBoolPtr(args, "exceeded"))
	case "federationLimits":
		return r.FederationLimits(ctx, argBoolPtr(args, "active"),
			argIntPtr(args, "first"), argStringPtr(args, "after"))
	case "severedRelationships":
		return r.SeveredRelationships(ctx, argStringPtr(args, "instance"),
			argIntPtr(args, "first"), argStringPtr(args, "after"))

	case "setFederationLimit":
		input, err := decodeLimitInput(args["limit"])
		if err != nil {
			return nil, err
		}
		return r.SetFederationLimit(ctx, argString(args, "domain"), input)
	case "setInstanceBudget":
		return r.SetInstanceBudget(ctx, argString(args, "domain"),
			argFloat(args, "monthlyUSD"), argBoolPtr(args, "autoLimit"))
	case "pauseFederation":
		until, err := argTimePtr(args, "until")
		if err != nil {
			return nil, err
		}
		return r.PauseFederation(ctx, argString(args, "domain"),
			argString(args, "reason"), until)
	case "resumeFederation":
		return r.ResumeFederation(ctx, argString(args, "domain"))
	case "unblockFederation":
		return r.UnblockFederation(ctx, argString(args, "domain"))
	case "optimizeFederationCosts":
		return r.OptimizeFederationCosts(ctx, argFloat(args, "threshold"))
	case "acknowledgeSeverance":
		return r.AcknowledgeSeverance(ctx, argString(args, "id"))
	case "attemptReconnection":
		return r.AttemptReconnection(ctx, argString(args, "id"))

	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported field %q", field.Name),
			"Executor", "dispatch", "unknown operation")
	}
}

// flattenSelections expands fragment spreads and inline fragments into a
// flat, ordered field list. Fragment definitions are resolved during
// validation, so spreads always carry their definitions here.
func flattenSelections(set ast.SelectionSet) []*ast.Field {
	var fields []*ast.Field
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			fields = append(fields, s)
		case *ast.FragmentSpread:
			if s.Definition != nil {
				fields = append(fields, flattenSelections(s.Definition.SelectionSet)...)
			}
		case *ast.InlineFragment:
			fields = append(fields, flattenSelections(s.SelectionSet)...)
		}
	}
	return fields
}

func selectionDepth(set ast.SelectionSet) int {
	max := 0
	for _, sel := range set {
		d := 0
		switch s := sel.(type) {
		case *ast.Field:
			d = 1 + selectionDepth(s.SelectionSet)
		case *ast.FragmentSpread:
			if s.Definition != nil {
				d = selectionDepth(s.Definition.SelectionSet)
			}
		case *ast.InlineFragment:
			d = selectionDepth(s.SelectionSet)
		}
		if d > max {
			max = d
		}
	}
	return max
}

// toJSONValue normalizes a resolver result into the generic JSON shape the
// pruner walks (maps, slices, scalars).
func toJSONValue(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// prune trims a resolved value down to the requested selection set, applying
// aliases and answering __typename from the validated field definitions.
func prune(value any, set ast.SelectionSet) any {
	if len(set) == 0 || value == nil {
		return value
	}
	switch val := value.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = prune(item, set)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(set))
		for _, field := range flattenSelections(set) {
			alias := field.Alias
			if alias == "" {
				alias = field.Name
			}
			if field.Name == "__typename" {
				if field.ObjectDefinition != nil {
					out[alias] = field.ObjectDefinition.Name
				}
				continue
			}
			child, ok := val[field.Name]
			if !ok {
				out[alias] = nil
				continue
			}
			out[alias] = prune(child, field.SelectionSet)
		}
		return out
	default:
		return value
	}
}

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argStringDefault(args map[string]any, name, def string) string {
	if s, ok := args[name].(string); ok && s != "" {
		return s
	}
	return def
}

func argStringPtr(args map[string]any, name string) *string {
	if s, ok := args[name].(string); ok {
		return &s
	}
	return nil
}

func argBoolPtr(args map[string]any, name string) *bool {
	if b, ok := args[name].(bool); ok {
		return &b
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func argFloat(args map[string]any, name string) float64 {
	f, _ := toFloat(args[name])
	return f
}

func argFloatPtr(args map[string]any, name string) *float64 {
	if f, ok := toFloat(args[name]); ok {
		return &f
	}
	return nil
}

func argIntPtr(args map[string]any, name string) *int {
	if f, ok := toFloat(args[name]); ok {
		i := int(f)
		return &i
	}
	return nil
}

func argTimePtr(args map[string]any, name string) (*time.Time, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case time.Time:
		return &t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Executor", "argTimePtr",
				fmt.Sprintf("argument %q must be RFC3339", name))
		}
		return &parsed, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("argument %q has type %T", name, v),
			"Executor", "argTimePtr", "invalid time argument")
	}
}

func decodeLimitInput(v any) (LimitInput, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return LimitInput{}, errors.WrapInvalid(fmt.Errorf("limit input has type %T", v),
			"Executor", "decodeLimitInput", "invalid limit input")
	}
	input := LimitInput{Active: true}
	if b, ok := m["active"].(bool); ok {
		input.Active = b
	}
	input.IngressLimitMB = argFloatPtr(m, "ingressLimitMB")
	input.EgressLimitMB = argFloatPtr(m, "egressLimitMB")
	input.RequestsPerMinute = argIntPtr(m, "requestsPerMinute")
	input.MonthlyBudgetUSD = argFloatPtr(m, "monthlyBudgetUSD")
	return input, nil
}
