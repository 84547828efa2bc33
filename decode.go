package reqguard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/giantswarm/reqguard/jsonb"
	"github.com/giantswarm/reqguard/security"
)

// DecodeJSON decodes the request body into dst and validates every field
// tagged with `jsonb`, replacing it with its sanitized copy. Validation
// failures are returned as invalid_request carrying the validator's message
// unchanged.
//
//	var req struct {
//		Settings map[string]any `json:"settings" jsonb:"settings,keys=theme|language"`
//	}
//	if err := guard.DecodeJSON(r, &req); err != nil {
//		reqguard.WriteError(w, err)
//		return
//	}
func (g *Guard) DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrInvalidRequest("Request body is required")
	}

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, g.config.Validation.MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if isBodyTooLarge(err) {
			return errBodyTooLarge()
		}
		return ErrInvalidRequest("Invalid JSON body")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if isBodyTooLarge(err) {
			return errBodyTooLarge()
		}
		return ErrInvalidRequest("Request body must contain a single JSON value")
	}

	err := jsonb.ValidateStruct(dst)
	if err == nil {
		return nil
	}

	var fieldErr *jsonb.FieldError
	if !errors.As(err, &fieldErr) {
		g.logger.Error("Structured validation misconfigured", "error", err)
		return ErrServerError("Internal server error")
	}

	ctx := r.Context()
	kind := string(jsonb.KindUnsupported)
	var verr *jsonb.Error
	if errors.As(err, &verr) {
		kind = string(verr.Kind)
	}
	g.metrics.RecordValidationRejected(ctx, kind)
	g.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventInputRejected,
		IPAddress: g.ClientIP(r),
		Details:   map[string]any{"field": fieldErr.Field, "kind": kind},
	})
	return ErrInvalidRequest(fieldErr.Error())
}

func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

func errBodyTooLarge() *Error {
	return NewError(ErrorCodeInvalidRequest, "Request body too large", http.StatusRequestEntityTooLarge)
}
