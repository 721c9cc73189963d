package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"codeask/internal/agent"
	"codeask/internal/anthropic"
	"codeask/internal/errors"
	"codeask/internal/notify"
	"codeask/internal/version"
)

// AskRequest is the request body for POST /ask and /ask/stream
type AskRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AskResponse is the response body for POST /ask
type AskResponse struct {
	ConversationID string          `json:"conversationId"`
	Answer         string          `json:"answer"`
	Rounds         int             `json:"rounds"`
	ToolCalls      int             `json:"toolCalls"`
	FilesConsulted []string        `json:"filesConsulted,omitempty"`
	Commit         string          `json:"commit,omitempty"`
	Usage          anthropic.Usage `json:"usage"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}

	release, err := s.conversations.Acquire(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	convID := req.ConversationID
	if convID == "" {
		convID = s.conversations.NewID()
	}
	prior := s.conversations.History(convID)

	answer, history, err := s.asker.AskWithProgress(r.Context(), req.Question, prior, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.conversations.Update(convID, history)
	s.emitAnswerCompleted(convID, answer)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AskResponse{
		ConversationID: convID,
		Answer:         answer.Text,
		Rounds:         answer.Rounds,
		ToolCalls:      answer.ToolCalls,
		FilesConsulted: answer.FilesConsulted,
		Commit:         answer.Commit,
		Usage:          answer.Usage,
	})
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeStatusError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	release, err := s.conversations.Acquire(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	convID := req.ConversationID
	if convID == "" {
		convID = s.conversations.NewID()
	}
	prior := s.conversations.History(convID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The progress callback runs on this goroutine, so writes never race.
	answer, history, err := s.asker.AskWithProgress(r.Context(), req.Question, prior, func(p agent.Progress) {
		writeSSE(w, "progress", p)
		flusher.Flush()
	})
	if err != nil {
		payload := ErrorResponse{Error: err.Error(), Code: string(errors.CodeOf(err))}
		var askErr *errors.AskError
		if errors.As(err, &askErr) {
			payload.Error = askErr.Message
			payload.Details = askErr.Details
		}
		writeSSE(w, "error", payload)
		flusher.Flush()
		return
	}

	s.conversations.Update(convID, history)
	s.emitAnswerCompleted(convID, answer)

	writeSSE(w, "answer", AskResponse{
		ConversationID: convID,
		Answer:         answer.Text,
		Rounds:         answer.Rounds,
		ToolCalls:      answer.ToolCalls,
		FilesConsulted: answer.FilesConsulted,
		Commit:         answer.Commit,
		Usage:          answer.Usage,
	})
	flusher.Flush()
}

// SyncResponse is the response body for POST /sync
type SyncResponse struct {
	Status     string    `json:"status"`
	Commit     string    `json:"commit,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.Sync(r.Context()); err != nil {
		if s.notifier != nil {
			s.notifier.Emit(notify.NewEvent(notify.EventSyncFailed, map[string]interface{}{
				"error": err.Error(),
			}))
		}
		writeError(w, err)
		return
	}

	state := s.syncer.State()
	if s.notifier != nil {
		s.notifier.Emit(notify.NewEvent(notify.EventSyncCompleted, map[string]interface{}{
			"commit": state.HeadCommit,
		}))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SyncResponse{
		Status:     "ok",
		Commit:     state.HeadCommit,
		LastSyncAt: state.LastSyncAt,
	})
}

// HealthResponse is the response body for GET /health
type HealthResponse struct {
	Status              string    `json:"status"`
	Version             string    `json:"version"`
	Commit              string    `json:"commit,omitempty"`
	LastSyncAt          time.Time `json:"lastSyncAt,omitempty"`
	Tools               int       `json:"tools"`
	ActiveConversations int       `json:"activeConversations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.syncer.State()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:              "ok",
		Version:             version.Version,
		Commit:              state.HeadCommit,
		LastSyncAt:          state.LastSyncAt,
		Tools:               len(s.tools.Catalog()),
		ActiveConversations: s.conversations.ActiveCount(),
	})
}

func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (AskRequest, bool) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatusError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Question == "" {
		writeStatusError(w, http.StatusBadRequest, "question is required")
		return req, false
	}
	return req, true
}

func (s *Server) emitAnswerCompleted(convID string, answer *agent.Answer) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(notify.NewEvent(notify.EventAnswerCompleted, map[string]interface{}{
		"conversationId": convID,
		"rounds":         answer.Rounds,
		"toolCalls":      answer.ToolCalls,
		"commit":         answer.Commit,
	}))
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
