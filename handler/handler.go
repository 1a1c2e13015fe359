package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/generation"
	"clinic-assistant/internal/integrations/actionbus"
	"clinic-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
)

// Engine is the per-tenant surface the handler drives.
type Engine interface {
	ProcessMessage(ctx context.Context, in usecase.Inbound) (usecase.ProcessedMessage, error)
	SetTakeover(ctx context.Context, sessionID string) (usecase.TakeoverState, error)
	ReleaseTakeover(ctx context.Context, sessionID string) (usecase.TakeoverState, error)
	BackendStatuses() []generation.BackendStatus
}

// EngineSource resolves a tenant's engine.
type EngineSource interface {
	Engine(ctx context.Context, tenantID string) (Engine, error)
}

// EngineFunc adapts a function to EngineSource.
type EngineFunc func(ctx context.Context, tenantID string) (Engine, error)

func (f EngineFunc) Engine(ctx context.Context, tenantID string) (Engine, error) {
	return f(ctx, tenantID)
}

// Publisher delivers replies and side effects to downstream workers.
type Publisher interface {
	Publish(ctx context.Context, src actionbus.Source, actions ...domain.Action) error
}

type Handler struct {
	engines   EngineSource
	publisher Publisher
	logger    *slog.Logger
}

type messageRequest struct {
	Address      string `json:"address"`
	Text         string `json:"text"`
	MessageRef   string `json:"messageRef"`
	FromOperator bool   `json:"fromOperator"`
}

type messageResponse struct {
	SessionID             string          `json:"sessionId"`
	Intent                string          `json:"intent"`
	Confidence            float64         `json:"confidence"`
	Reply                 string          `json:"reply,omitempty"`
	ProducedBy            string          `json:"producedBy"`
	TokenCost             int             `json:"tokenCost"`
	NextState             string          `json:"nextState,omitempty"`
	RequiresHumanTransfer bool            `json:"requiresHumanTransfer"`
	Urgency               string          `json:"urgency,omitempty"`
	SuppressReply         bool            `json:"suppressReply"`
	Actions               []domain.Action `json:"actions"`
	ActionsPublished      bool            `json:"actionsPublished"`
}

type takeoverResponse struct {
	SessionID string     `json:"sessionId"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type backendsResponse struct {
	Backends []generation.BackendStatus `json:"backends"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// NewHandler wires the routes. publisher must not be nil; use a no-op
// implementation to disable delivery.
func NewHandler(engines EngineSource, publisher Publisher, logger *slog.Logger) (*Handler, error) {
	if engines == nil {
		return nil, errors.New("handler: engine source must not be nil")
	}
	if publisher == nil {
		return nil, errors.New("handler: publisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engines: engines, publisher: publisher, logger: logger}, nil
}

// Handle routes:
//
//	POST   /tenants/{tenant}/messages
//	POST   /tenants/{tenant}/sessions/{session}/takeover
//	DELETE /tenants/{tenant}/sessions/{session}/takeover
//	GET    /tenants/{tenant}/backends
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	segs, ok := splitPath(req.Path)
	if !ok || len(segs) < 3 || segs[0] != "tenants" || segs[1] == "" {
		return errorJSON(http.StatusNotFound, usecase.ErrorNotFound, "route_not_found", correlationID), nil
	}
	tenantID := segs[1]

	var route func(context.Context, Engine) (int, any, error)
	switch {
	case len(segs) == 3 && segs[2] == "messages":
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed(correlationID), nil
		}
		body, err := requestBody(req)
		if err != nil {
			return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body", correlationID), nil
		}
		var in messageRequest
		if err := decodeStrict(body, &in); err != nil {
			return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body", correlationID), nil
		}
		route = func(ctx context.Context, e Engine) (int, any, error) {
			return h.message(ctx, logger, e, tenantID, correlationID, in)
		}
	case len(segs) == 5 && segs[2] == "sessions" && segs[4] == "takeover":
		sessionID := segs[3]
		switch req.HTTPMethod {
		case http.MethodPost:
			route = func(ctx context.Context, e Engine) (int, any, error) {
				return takeover(e.SetTakeover(ctx, sessionID))
			}
		case http.MethodDelete:
			route = func(ctx context.Context, e Engine) (int, any, error) {
				return takeover(e.ReleaseTakeover(ctx, sessionID))
			}
		default:
			return methodNotAllowed(correlationID), nil
		}
	case len(segs) == 3 && segs[2] == "backends":
		if req.HTTPMethod != http.MethodGet {
			return methodNotAllowed(correlationID), nil
		}
		route = func(_ context.Context, e Engine) (int, any, error) {
			return http.StatusOK, backendsResponse{Backends: e.BackendStatuses()}, nil
		}
	default:
		return errorJSON(http.StatusNotFound, usecase.ErrorNotFound, "route_not_found", correlationID), nil
	}

	engine, err := h.engines.Engine(ctx, tenantID)
	if err != nil {
		return h.fail(logger, err, correlationID), nil
	}
	status, payload, err := route(ctx, engine)
	if err != nil {
		return h.fail(logger, err, correlationID), nil
	}
	return okJSON(status, payload, correlationID), nil
}

func (h *Handler) message(ctx context.Context, logger *slog.Logger, e Engine, tenantID, correlationID string, in messageRequest) (int, any, error) {
	out, err := e.ProcessMessage(ctx, usecase.Inbound{
		ChannelAddress: in.Address,
		Text:           in.Text,
		MessageRef:     in.MessageRef,
		FromOperator:   in.FromOperator,
	})
	if err != nil {
		return 0, nil, err
	}

	actions := out.Actions
	if !out.SuppressReply && out.ReplyText != "" {
		deliver := domain.Action{Type: domain.ActionDeliverOutboundMessage, Data: map[string]any{
			"address":   out.ChannelAddress,
			"text":      out.ReplyText,
			"sessionId": out.SessionID,
			"intent":    out.Intent,
		}}
		actions = append([]domain.Action{deliver}, actions...)
	}

	published := true
	if len(actions) > 0 {
		src := actionbus.Source{TenantID: tenantID, SessionID: out.SessionID, CorrelationID: correlationID}
		if err := h.publisher.Publish(ctx, src, actions...); err != nil {
			published = false
			logger.Error("publish actions failed", "session", out.SessionID, "err", err)
		}
	}

	logger.Info("message processed",
		"session", out.SessionID,
		"intent", out.Intent,
		"produced_by", out.ProducedBy,
		"suppressed", out.SuppressReply,
		"actions", len(actions),
	)
	return http.StatusOK, messageResponse{
		SessionID:             out.SessionID,
		Intent:                out.Intent,
		Confidence:            out.Confidence,
		Reply:                 out.ReplyText,
		ProducedBy:            string(out.ProducedBy),
		TokenCost:             out.TokenCost,
		NextState:             string(out.NextState),
		RequiresHumanTransfer: out.RequiresHumanTransfer,
		Urgency:               string(out.Urgency),
		SuppressReply:         out.SuppressReply,
		Actions:               actions,
		ActionsPublished:      published,
	}, nil
}

func takeover(st usecase.TakeoverState, err error) (int, any, error) {
	if err != nil {
		return 0, nil, err
	}
	resp := takeoverResponse{SessionID: st.SessionID, Status: string(st.Status)}
	if !st.ExpiresAt.IsZero() {
		exp := st.ExpiresAt.UTC()
		resp.ExpiresAt = &exp
	}
	return http.StatusOK, resp, nil
}

func (h *Handler) fail(logger *slog.Logger, err error, correlationID string) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		logger.Error("unexpected error", "err", err)
		return errorJSON(http.StatusInternalServerError, usecase.ErrorInternal, "", correlationID)
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		logger.Warn("request rejected", "code", ue.Code, "reason", ue.Reason)
	}
	return errorJSON(status, ue.Code, ue.Reason, correlationID)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(correlationID string) events.APIGatewayProxyResponse {
	return errorJSON(http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method_not_allowed", correlationID)
}

func splitPath(p string) ([]string, bool) {
	raw := strings.Split(strings.Trim(p, "/"), "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		v, err := url.PathUnescape(s)
		if err != nil {
			return nil, false
		}
		segs = append(segs, v)
	}
	return segs, true
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("body too large")
	}
	return body, nil
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple JSON values")
	}
	return nil
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func okJSON(status int, payload any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, usecase.ErrorInternal, "encode_error", correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func errorJSON(status int, code usecase.ErrorCode, reason, correlationID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: string(code), Reason: reason})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}
}
