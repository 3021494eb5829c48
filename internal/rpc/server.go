// Package rpc implements the JSON-RPC 2.0 dispatcher (§4.F): schema-
// driven method resolution, name alignment, facade construction, and
// the override mechanism, executed asynchronously on the executor (H)
// and replying through the bus (E)'s ResponseSink. Grounded on
// yajsonrpc/__init__.py's JsonRpcServer, translated from its exception-
// for-control-flow style into explicit Result/error returns per the
// design expansion's §9 notes.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/jobexec"
)

// ResponseSink is the bus-side delivery target for completed responses.
type ResponseSink interface {
	Deliver(message []byte)
}

// Server is the RPC dispatcher. One Server processes every SEND body
// handed to it by the bus.
type Server struct {
	registry   *Registry
	sink       ResponseSink
	executor   *jobexec.Executor
	recovering func() bool // returns true while the agent is not yet ready to serve
	timeout    time.Duration
	log        zerolog.Logger
	metrics    LatencyObserver
}

// LatencyObserver receives per-method RPC timing and error counts. A
// small local interface so rpc doesn't need to import the metrics
// package; *metrics.Metrics satisfies it.
type LatencyObserver interface {
	ObserveRPCLatency(method string, d time.Duration)
	IncRPCError(method string, code int)
}

// Config bundles Server's construction-time dependencies.
type Config struct {
	Registry   *Registry
	Sink       ResponseSink
	Executor   *jobexec.Executor
	Recovering func() bool
	Timeout    time.Duration
	Log        zerolog.Logger
	Metrics    LatencyObserver
}

// NewServer constructs a Server from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		registry:   cfg.Registry,
		sink:       cfg.Sink,
		executor:   cfg.Executor,
		recovering: cfg.Recovering,
		timeout:    cfg.Timeout,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
	}
}

// Dispatch implements bus.Dispatcher: it submits body for asynchronous
// processing on the executor and delivers whatever response (if any)
// results back through the sink.
func (s *Server) Dispatch(body []byte) {
	err := s.executor.Dispatch(func(ctx context.Context) {
		resp := s.Process(ctx, body)
		if resp != nil {
			s.sink.Deliver(resp)
		}
	}, s.timeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("rpc: dropped request, executor saturated")
	}
}

// rawRequest is the wire shape of one JSON-RPC 2.0 request object.
type rawRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// Response is the wire shape of one JSON-RPC 2.0 response object. It
// always carries exactly one of Result or Error, per the envelope
// contract in §6 — MarshalJSON enforces that even a nil/null successful
// result serializes its "result" key rather than being omitted.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"-"`
	Error   *Error          `json:"-"`
}

func (r *Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
	w := wire{JSONRPC: r.JSONRPC, ID: r.ID, Error: r.Error}
	if r.Error == nil {
		w.Result = r.Result
		if w.Result == nil {
			return json.Marshal(struct {
				JSONRPC string          `json:"jsonrpc"`
				ID      json.RawMessage `json:"id"`
				Result  interface{}     `json:"result"`
			}{r.JSONRPC, r.ID, nil})
		}
	}
	return json.Marshal(w)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.JSONRPC, r.ID, r.Result, r.Error = w.JSONRPC, w.ID, w.Result, w.Error
	return nil
}

// Process runs the full batch-or-single execution algorithm over body
// and returns the wire bytes to deliver, or nil if nothing should be
// sent (an all-notification batch, or a single notification).
func (s *Server) Process(ctx context.Context, body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return encodeSingle(errorResponse(nil, CodeParseError, "empty request body"))
	}

	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return encodeSingle(errorResponse(nil, CodeParseError, "invalid JSON: %v", err))
		}
		if len(raws) == 0 {
			return encodeSingle(errorResponse(nil, CodeInvalidRequest, "request batch is empty"))
		}
		var responses []*Response
		for _, raw := range raws {
			if resp := s.executeOne(ctx, raw); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return nil
		}
		return encodeBatch(responses)
	}

	resp := s.executeOne(ctx, trimmed)
	if resp == nil {
		return nil
	}
	return encodeSingle(resp)
}

func encodeSingle(resp *Response) []byte {
	b, _ := json.Marshal(resp)
	return b
}

func encodeBatch(responses []*Response) []byte {
	b, _ := json.Marshal(responses)
	return b
}

func errorResponse(id json.RawMessage, code int, format string, args ...interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: newError(code, format, args...)}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// executeOne runs the 9-step algorithm of §4.F against one request
// object. Returns nil for notifications: per §8's invariant, a
// notification never produces a response entry, even on error.
func (s *Server) executeOne(ctx context.Context, raw json.RawMessage) (resp *Response) {
	var req rawRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeParseError, "invalid JSON: %v", err)
	}
	isNotification := isNull(req.ID)

	if s.metrics != nil && req.Method != "" {
		start := time.Now()
		defer func() {
			s.metrics.ObserveRPCLatency(req.Method, time.Since(start))
			if resp != nil && resp.Error != nil {
				s.metrics.IncRPCError(req.Method, resp.Error.Code)
			}
		}()
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		if isNotification {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "malformed request")
	}

	// Step 1: recovery gate.
	if s.recovering != nil && s.recovering() {
		if isNotification {
			return nil
		}
		return errorResponse(req.ID, CodeRecoveryInProgress, "agent is still recovering")
	}

	// Step 2: resolve Class.method.
	entry, ok := s.registry.Lookup(req.Method)
	if !ok {
		if isNotification {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: %s", req.Method)
	}

	// Step 3: name-align positional/keyed params against the schema.
	params, err := alignParams(entry, req.Params)
	if err != nil {
		if isNotification {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidParams, "%v", err)
	}

	// Step 4: schema-validate (required args present, defaults filled).
	if err := validateParams(entry, params); err != nil {
		if isNotification {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidParams, "%v", err)
	}

	// Step 5: construct the facade.
	ctorParams := make(map[string]interface{}, len(entry.CtorArgs))
	for _, name := range entry.CtorArgs {
		ctorParams[name] = params[name]
	}
	var facade interface{}
	if entry.Construct != nil {
		facade, err = entry.Construct(ctorParams)
		if err != nil {
			if isNotification {
				return nil
			}
			return s.errorFromCause(req.ID, err)
		}
	}

	methodArgs := make(map[string]interface{}, len(entry.AllArgs))
	for _, spec := range entry.methodArgs() {
		methodArgs[spec.Name] = params[spec.Name]
	}

	// Step 6: invoke override or default call.
	var result interface{}
	if entry.Override != nil && entry.Override.Replace != nil {
		result, err = entry.Override.Replace(facade, methodArgs)
	} else if entry.Call != nil {
		result, err = entry.Call(facade, methodArgs)
	}

	// Step 7: classify any error from the call.
	if err != nil {
		if isNotification {
			return nil
		}
		return s.errorFromCause(req.ID, err)
	}
	if isNotification {
		return nil
	}

	// Step 8: extract the return field per override.
	result, err = applyExtract(entry, result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, "return extraction failed: %v", err)
	}

	// Step 9: (schema return validation) — trusted from Go's static
	// typing at the call site; no further runtime check needed.
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) errorFromCause(id json.RawMessage, err error) *Response {
	if be, ok := err.(BusinessError); ok {
		return errorResponse(id, be.Code(), "%s", be.Error())
	}
	s.log.Error().Err(err).Msg("rpc: internal error executing method")
	return errorResponse(id, CodeInternalError, "%v", err)
}

func applyExtract(entry *MethodEntry, result interface{}) (interface{}, error) {
	if entry.Override == nil {
		return result, nil
	}
	switch entry.Override.Extract.Kind {
	case ExtractNone:
		return result, nil
	case ExtractField:
		m, ok := result.(map[string]interface{})
		if !ok {
			return extractFieldFromStruct(result, entry.Override.Extract.Field)
		}
		return m[entry.Override.Extract.Field], nil
	case ExtractReshape:
		return entry.Override.Extract.Reshape(result)
	default:
		return result, nil
	}
}

// extractFieldFromStruct pulls a single field out of a result by
// marshaling through JSON, since facade methods return concrete Go
// structs rather than maps.
func extractFieldFromStruct(result interface{}, field string) (interface{}, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("cannot extract field %q: result is not an object", field)
	}
	return m[field], nil
}

// alignParams reorders a positional (array) params payload into a keyed
// map using entry's argument names, or passes a keyed (object) payload
// through after a light decode. Absent entirely, params is an empty map.
func alignParams(entry *MethodEntry, raw json.RawMessage) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if len(bytes.TrimSpace(raw)) == 0 || isNull(raw) {
		return out, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		var positional []interface{}
		if err := json.Unmarshal(trimmed, &positional); err != nil {
			return nil, fmt.Errorf("params: invalid array: %w", err)
		}
		if len(positional) > len(entry.AllArgs) {
			return nil, fmt.Errorf("params: too many positional arguments for %s", entry.String())
		}
		for i, v := range positional {
			out[entry.AllArgs[i].Name] = v
		}
		return out, nil
	}

	var keyed map[string]interface{}
	if err := json.Unmarshal(trimmed, &keyed); err != nil {
		return nil, fmt.Errorf("params: invalid object: %w", err)
	}
	return keyed, nil
}

// validateParams checks every non-optional arg is present, and fills in
// defaults for absent optional ones.
func validateParams(entry *MethodEntry, params map[string]interface{}) error {
	for _, spec := range entry.AllArgs {
		if _, present := params[spec.Name]; present {
			continue
		}
		if spec.Optional {
			params[spec.Name] = spec.Default
			continue
		}
		return fmt.Errorf("missing required parameter %q for %s", spec.Name, entry.String())
	}
	return nil
}
