package api

import (
	"encoding/json"
	"net/http"

	xerrors "Orchestrator-Core/internal/errors"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Details  any               `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将统一错误映射为 HTTP 状态码与结构化错误体。
func writeError(w http.ResponseWriter, err error) {
	payload := errorPayload{Code: xerrors.CodeUnknown, Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		payload.Code = coded.Code()
		payload.Message = coded.Message()
		payload.Metadata = coded.Metadata()
		payload.Details = coded.Details()
	}
	if payload.Code == xerrors.CodeRateLimitExceeded {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, xerrors.HTTPStatus(err), errorBody{Error: payload})
}
