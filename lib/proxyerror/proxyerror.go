package proxyerror

import (
	"errors"
	"net/http"
)

// Kind classifies failures of a proxied scan.
type Kind string

const (
	KindInternal          = Kind("internal")
	KindClientInput       = Kind("client_input")
	KindUpstreamShape     = Kind("upstream_shape")
	KindCursorComputation = Kind("cursor_computation")
	KindTransport         = Kind("transport")
	KindNormalization     = Kind("normalization")
)

func (k Kind) defaultHTTPCode() int {
	switch k {
	case KindClientInput:
		return http.StatusBadRequest
	case KindUpstreamShape, KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type ErrorDetail struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type InternalErrorDetail struct {
	ErrorID string `json:"error_id"`
	ErrorDetail
}

type PublicErrorDetail struct {
	ErrorDetail
}

type ProxyError interface {
	Error() string
	Unwrap() error
	Kind() Kind
	HTTPStatusCode() int
	PublicErrorDetail() PublicErrorDetail
	InternalErrorDetail() InternalErrorDetail
}

type errorOptions struct {
	kind     Kind
	httpCode int
	cause    error
	public   PublicErrorDetail
	internal InternalErrorDetail
}

func (e *errorOptions) PublicErrorDetail() PublicErrorDetail {
	return e.public
}

func (e *errorOptions) InternalErrorDetail() InternalErrorDetail {
	return e.internal
}

func (e *errorOptions) Kind() Kind {
	return e.kind
}

func (e *errorOptions) HTTPStatusCode() int {
	if e.httpCode == 0 {
		return e.kind.defaultHTTPCode()
	}
	return e.httpCode
}

func (e *errorOptions) Error() string {
	if e.internal.Message != "" {
		return e.public.Message + ": " + e.internal.Message
	}
	if e.cause != nil {
		return e.public.Message + ": " + e.cause.Error()
	}
	return e.public.Message
}

func (e *errorOptions) Unwrap() error {
	return e.cause
}

type ErrorOption func(*errorOptions)

func WithKind(kind Kind) ErrorOption {
	return func(opts *errorOptions) {
		opts.kind = kind
	}
}

func WithHTTPCode(code int) ErrorOption {
	return func(opts *errorOptions) {
		opts.httpCode = code
	}
}

func WithCause(err error) ErrorOption {
	return func(opts *errorOptions) {
		opts.cause = err
	}
}

func WithErrorID(errorID string) ErrorOption {
	return func(opts *errorOptions) {
		opts.internal.ErrorID = errorID
	}
}

func WithPublicMessage(message string) ErrorOption {
	return func(opts *errorOptions) {
		opts.public.Message = message
	}
}

func WithInternalMessage(message string) ErrorOption {
	return func(opts *errorOptions) {
		opts.internal.Message = message
	}
}

func WithPublicData(key string, value interface{}) ErrorOption {
	return func(opts *errorOptions) {
		if opts.public.Data == nil {
			opts.public.Data = make(map[string]interface{})
		}
		opts.public.Data[key] = value
	}
}

func WithInternalData(key string, value interface{}) ErrorOption {
	return func(opts *errorOptions) {
		if opts.internal.Data == nil {
			opts.internal.Data = make(map[string]interface{})
		}
		opts.internal.Data[key] = value
	}
}

func New(options ...ErrorOption) ProxyError {
	opts := errorOptions{
		kind: KindInternal,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.httpCode == 0 {
		opts.httpCode = opts.kind.defaultHTTPCode()
	}

	if opts.public.Message == "" {
		opts.public.Message = "Internal server error"
	}

	if opts.internal.ErrorID == "" {
		opts.internal.ErrorID = string(opts.kind) + "-error"
	}

	return &opts
}

func ClientInput(message string, options ...ErrorOption) ProxyError {
	return New(append([]ErrorOption{
		WithKind(KindClientInput),
		WithPublicMessage(message),
	}, options...)...)
}

func UpstreamShape(message string, options ...ErrorOption) ProxyError {
	return New(append([]ErrorOption{
		WithKind(KindUpstreamShape),
		WithPublicMessage(message),
	}, options...)...)
}

func CursorComputation(message string, options ...ErrorOption) ProxyError {
	return New(append([]ErrorOption{
		WithKind(KindCursorComputation),
		WithPublicMessage(message),
	}, options...)...)
}

func Transport(message string, options ...ErrorOption) ProxyError {
	return New(append([]ErrorOption{
		WithKind(KindTransport),
		WithPublicMessage(message),
	}, options...)...)
}

func Normalization(message string, options ...ErrorOption) ProxyError {
	return New(append([]ErrorOption{
		WithKind(KindNormalization),
		WithPublicMessage(message),
	}, options...)...)
}

func asError(err error) (ProxyError, bool) {
	var maybeErr ProxyError
	if errors.As(err, &maybeErr) {
		return maybeErr, true
	}

	return nil, false
}

// KindOf returns the kind of the first ProxyError in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	if pe, ok := asError(err); ok {
		return pe.Kind()
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

func AsProxyError(err error) ProxyError {
	pe, ok := asError(err)
	if ok {
		return pe
	}

	return New(
		WithErrorID("unknown_error"),
		WithHTTPCode(http.StatusInternalServerError),
		WithPublicMessage("Internal server error"),
		WithInternalMessage("non-API error: "+err.Error()),
		WithCause(err),
	)
}
