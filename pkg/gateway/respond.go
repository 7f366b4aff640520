package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as an ErrorResponse with the status domain.HTTPStatus picks.
// Internal details are not exposed for 5xx responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, domain.ErrorResponse{
		Code:    domain.ErrorCode(err),
		Message: msg,
		TraceID: telemetry.TraceID(r.Context()),
	})
}

// errTrailingData reports a body holding more than one JSON value.
var errTrailingData = errors.New("unexpected data after JSON value")

// decodeBody reads exactly one JSON value from the request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}
