package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"reasonengine/internal/middleware"
	"reasonengine/internal/service"
)

// ReasonDeps bundles everything the reasoning endpoint needs to load
// context, run the controller loop, and stream progress back to the
// caller.
type ReasonDeps struct {
	Loader     *service.ContextLoader
	Controller *service.Controller
	Recorder   service.ProgressRecorder // may be nil
}

// reasonRequest mirrors the request body.
type reasonRequest struct {
	ConversationID     string `json:"conversationId"`
	UserMessage        string `json:"userMessage"`
	RootMessageID      string `json:"rootMessageId"`
	AppendToMessageID  string `json:"appendToMessageId"`
	ScrapedPageDisplay string `json:"scrapedPageDisplay"`
}

// Reason handles POST /api/reason: resolves context, then streams the
// retrieve/extract/decide loop as application/x-ndjson. Unlike the
// teacher's chat SSE handler, there is no event:/data: envelope — one JSON
// object per line, flushed immediately.
func Reason(deps ReasonDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ConversationID == "" || req.UserMessage == "" {
			writeJSONError(w, http.StatusBadRequest, "conversationId and userMessage are required")
			return
		}

		callerID := middleware.CallerIDFromContext(r.Context())
		slog.Info("reason request",
			"caller_id", callerID,
			"conversation_id", req.ConversationID,
			"append_to_message_id", req.AppendToMessageID,
		)

		rc, err := deps.Loader.Load(r.Context(), service.LoadContextInput{
			ConversationID:     req.ConversationID,
			UserMessage:        req.UserMessage,
			RootMessageID:      req.RootMessageID,
			AppendToMessageID:  req.AppendToMessageID,
			ScrapedPageDisplay: req.ScrapedPageDisplay,
		})
		if err != nil {
			status := statusForKind(service.KindOf(err))
			writeJSONError(w, status, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		emit := service.NewEventEmitter(w, flusher, rc.RootMessageID, deps.Recorder)

		result, err := deps.Controller.Run(r.Context(), rc, emit)
		if err != nil {
			slog.Error("controller run failed",
				"conversation_id", req.ConversationID,
				"root_message_id", rc.RootMessageID,
				"error", err,
			)
			// The response has already started streaming: no status
			// code can be changed now, so the only remaining signal is a
			// final {error} line.
			_ = emit.Error(err.Error())
			return
		}

		slog.Info("reason run complete",
			"conversation_id", req.ConversationID,
			"root_message_id", rc.RootMessageID,
			"terminal", result.Terminal,
			"iterations", result.Iterations,
		)
	}
}

// statusForKind maps an ErrorKind to the HTTP status used only when the
// failure happens before any NDJSON line has been written.
func statusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindBadRequest:
		return http.StatusBadRequest
	case service.KindUnauthorized:
		return http.StatusUnauthorized
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindCorruptedState:
		return http.StatusUnprocessableEntity
	case service.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case service.KindUpstreamParse, service.KindPersistenceFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
