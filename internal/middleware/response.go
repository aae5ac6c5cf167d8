package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Niiaks/Lodge/internal/apperror"
	"github.com/newrelic/go-agent/v3/integrations/nrpkgerrors"
	"github.com/newrelic/go-agent/v3/newrelic"
)

type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      apperror.Code  `json:"code"`
	Retryable bool           `json:"retryable,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteError maps err onto its HTTP status. Internal details of 5xx errors are
// logged and sent to New Relic, never to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperror.CodeOf(err)
	status := apperror.HTTPStatus(code)

	message := err.Error()
	var appErr *apperror.Error
	if errors.As(err, &appErr) && status < 500 {
		message = appErr.Message
	}
	if status >= 500 {
		GetLogger(r.Context()).Error().Stack().Err(err).Str("code", string(code)).Msg("Request failed")
		if txn := newrelic.FromContext(r.Context()); txn != nil {
			txn.NoticeError(nrpkgerrors.Wrap(err))
		}
		message = http.StatusText(status)
		if code == apperror.CodeRefundFailed {
			message = "refund could not be issued, nothing was changed; please retry"
		}
	}

	WriteJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		Retryable: apperror.Retryable(err),
		RequestID: GetRequestID(r),
	})
}
