package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

const (
	msgDomainMissing  = "Domain header is missing"
	msgTenantNotFound = "Tenant not found"
	msgInternalError  = "Internal server error"
)

// messageResponse is the body of every error and of plain acknowledgements.
type messageResponse struct {
	Message string `json:"message"`
}

func sendJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to marshal json")
		status = http.StatusInternalServerError
		data = []byte(`{"message":"` + msgInternalError + `"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func sendMessage(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	sendJSON(ctx, w, status, messageResponse{Message: msg})
}

// sendError answers with the status of err's kind. Internal failures are
// logged and reported without detail.
func sendError(ctx context.Context, w http.ResponseWriter, err error) {
	status := model.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Ctx(ctx).Error().Err(err).Msg("request failed")
		sendMessage(ctx, w, status, msgInternalError)
		return
	}
	sendMessage(ctx, w, status, err.Error())
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return model.NewError(model.ExitInvalidInput, "request body is empty")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.WrapError(model.ExitInvalidInput, "unable to parse request body", err)
	}
	return nil
}
