// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/model"
)

// Error kinds returned in the body of 422 responses.
const (
	KindCredentialInvalid = "credential_invalid"
	KindConnectorInvalid  = "connector_invalid"
)

type errorBody struct {
	Message string             `json:"message"`
	Kind    string             `json:"kind,omitempty"`
	Fields  []model.FieldError `json:"fields,omitempty"`
}

// statusOf maps a commander error to its HTTP status.
func statusOf(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var (
		verr      *model.ValidationError
		credErr   *model.CredentialInvalidError
		connErr   *model.ConnectorInvalidError
		certErr   *model.ConnectorCertificateNotFoundError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &verr):
		body.Fields = verr.Fields
		return http.StatusBadRequest, body

	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, errBadBody):
		return http.StatusBadRequest, body

	case errors.As(err, &credErr):
		body.Kind = KindCredentialInvalid
		return http.StatusUnprocessableEntity, body

	case errors.As(err, &connErr):
		body.Kind = KindConnectorInvalid
		return http.StatusUnprocessableEntity, body

	case errors.Is(err, model.ErrNotFound), errors.As(err, &certErr):
		return http.StatusNotFound, body

	case errors.Is(err, model.ErrTaskAlreadyRunning),
		errors.Is(err, model.ErrConnectorActive),
		errors.Is(err, model.ErrConnectorNotEmpty),
		errors.Is(err, model.ErrConnectorInstalling):
		return http.StatusConflict, body

	case errors.Is(err, model.ErrNotImplemented):
		return http.StatusNotImplemented, body

	default:
		return http.StatusInternalServerError, errorBody{Message: http.StatusText(http.StatusInternalServerError)}
	}
}

func writeError(log zerolog.Logger, w http.ResponseWriter, err error) {
	status, body := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}

	writeJSON(log, w, status, body)
}

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error writing response")
	}
}
