// Package httpfunc provides the engine's built-in "http" Function handler.
package httpfunc

import (
	"context"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"

	"github.com/relayflow/relayflow/value"
)

// Config controls the shared resty client every "http" Function node
// dispatches through. It is loaded once at engine startup the same way
// engine.Config is: creasty/defaults fills in zero fields, then
// go-playground/validator rejects out-of-range values.
type Config struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout" default:"30s" validate:"gte=1s"`
	MaxRetries  int           `yaml:"maxRetries" json:"maxRetries" default:"2" validate:"gte=0,lte=10"`
	RetryWaitMS int           `yaml:"retryWaitMs" json:"retryWaitMs" default:"100" validate:"gte=0,lte=10000"`
	Debug       bool          `yaml:"debug" json:"debug" default:"false"`
}

var validate = validator.New()

// LoadConfig applies defaults and validates cfg in place.
func LoadConfig(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("httpfunc: applying defaults: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("httpfunc: invalid config: %w", err)
	}
	return nil
}

// request is the shape the "http" Function's params tree must resolve
// to (after ${var} interpolation) at execution time.
type request struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Body    map[string]any    `json:"body"`
}

// Handler is the built-in "http" Function: it issues one HTTP request per
// invocation through a shared resty client and returns the response as a
// value.Value the Function node's output variable is bound to.
type Handler struct {
	client *resty.Client
}

// New builds a Handler from a validated Config.
func New(cfg Config) *Handler {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.RetryWaitMS) * time.Millisecond).
		SetDebug(cfg.Debug)
	return &Handler{client: client}
}

func (h *Handler) Name() string { return "http" }

// Validate only checks the params shape structurally: at compile time the
// URL and headers may still contain unresolved ${var} markers, so full
// "required,url" validation is deferred to Execute against interpolated
// values.
func (h *Handler) Validate(params any) error {
	m, ok := params.(map[string]any)
	if !ok {
		return fmt.Errorf("httpfunc: params must be an object, got %T", params)
	}
	method, _ := m["method"].(string)
	if method == "" {
		return fmt.Errorf("httpfunc: params.method is required")
	}
	if _, ok := m["url"]; !ok {
		return fmt.Errorf("httpfunc: params.url is required")
	}
	return nil
}

func (h *Handler) Execute(ctx context.Context, params any) (value.Value, error) {
	req, err := decodeRequest(params)
	if err != nil {
		return value.Null, err
	}
	if err := validate.Struct(req); err != nil {
		return value.Null, fmt.Errorf("httpfunc: invalid request: %w", err)
	}

	response := map[string]any{}
	errResponse := map[string]any{}

	resp, err := h.client.R().
		SetContext(ctx).
		SetHeaders(req.Headers).
		SetQueryParams(req.Query).
		SetBody(req.Body).
		SetResult(&response).
		SetError(&errResponse).
		Execute(req.Method, req.URL)
	if err != nil {
		return value.Null, fmt.Errorf("httpfunc: request failed: %w", err)
	}

	body := response
	if resp.IsError() {
		body = errResponse
	}
	out := value.Map(map[string]value.Value{
		"status":     value.String(resp.Status()),
		"statusCode": value.Int(int64(resp.StatusCode())),
		"isError":    value.Bool(resp.IsError()),
		"body":       value.FromNative(body),
	})
	return out, nil
}

func decodeRequest(params any) (request, error) {
	m, ok := params.(map[string]any)
	if !ok {
		return request{}, fmt.Errorf("httpfunc: params must be an object, got %T", params)
	}
	req := request{
		Body: map[string]any{},
	}
	if v, ok := m["url"].(string); ok {
		req.URL = v
	}
	if v, ok := m["method"].(string); ok {
		req.Method = v
	}
	if v, ok := m["headers"].(map[string]any); ok {
		req.Headers = toStringMap(v)
	}
	if v, ok := m["query"].(map[string]any); ok {
		req.Query = toStringMap(v)
	}
	if v, ok := m["body"].(map[string]any); ok {
		req.Body = v
	}
	return req, nil
}

func toStringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
