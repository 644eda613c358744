package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"notesync/internal/identity"
	"notesync/internal/util"
	"notesync/pkg/domain"
)

// ServerConfig wires required dependencies for the HTTP surface.
type ServerConfig struct {
	Bridge   *Bridge
	Verifier *identity.Verifier
}

// Server exposes the bridge channels over HTTP and pushes events over a
// websocket, for renderers that connect over the wire instead of in-process.
type Server struct {
	bridge   *Bridge
	verifier *identity.Verifier
	mux      *http.ServeMux
}

// NewServer constructs the server with routes configured.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		bridge:   cfg.Bridge,
		verifier: cfg.Verifier,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/events", s.withUser(s.handleEvents))

	// chat channels
	s.mux.Handle("/channels/send-user-message", s.withUser(s.handleSendUserMessage))
	s.mux.Handle("/channels/retry-user-message", s.withUser(s.handleRetryUserMessage))
	s.mux.Handle("/channels/get-messages", s.withUser(s.handleGetMessages))

	// note channels
	s.mux.Handle("/channels/pages", s.withUser(s.handlePages))
	s.mux.Handle("/channels/pages/", s.withUser(s.handlePageByID))
	s.mux.Handle("/channels/blocks", s.withUser(s.handleBlocks))
	s.mux.Handle("/channels/blocks/", s.withUser(s.handleBlockByID))
	s.mux.Handle("/channels/reorder-blocks", s.withUser(s.handleReorderBlocks))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier != nil {
			token, ok := bearerToken(r)
			if !ok {
				token = strings.TrimSpace(r.URL.Query().Get("token"))
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, err := s.verifier.VerifySubject(token); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	})
}

// handleEvents upgrades to a websocket and forwards every bridge event as a
// {channel, payload} envelope until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	type envelope struct {
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
	}
	// Buffered so a slow reader drops events instead of blocking emitters.
	events := make(chan envelope, 64)
	forward := func(channel EventType) func(json.RawMessage) {
		return func(payload json.RawMessage) {
			select {
			case events <- envelope{Channel: string(channel), Payload: payload}:
			default:
			}
		}
	}
	for _, channel := range []EventType{
		EventNewAssistantMessage,
		EventStreamChunk,
		EventStreamEnd,
		EventStreamError,
	} {
		unsubscribe := s.bridge.Subscribe(string(channel), forward(channel))
		defer unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleSendUserMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req SendUserMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp := s.bridge.SendUserMessage(r.Context(), req)
	if !resp.Success {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryUserMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp := s.bridge.RetryUserMessage(r.Context(), req.MessageID)
	if !resp.Success {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	messages, err := s.bridge.GetMessages(r.URL.Query().Get("threadId"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": messages,
		"count": len(messages),
	})
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req CreatePageRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		page, err := s.bridge.CreatePage(req)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, page)
	case http.MethodGet:
		pages, err := s.bridge.ListPages()
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": pages,
			"count": len(pages),
		})
	default:
		methodNotAllowed(w)
	}
}

// /channels/pages/{id} or /channels/pages/{id}/blocks
func (s *Server) handlePageByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/channels/pages/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "blocks" {
			notFound(w, "not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		blocks, err := s.bridge.GetBlocks(id)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": blocks,
			"count": len(blocks),
		})
		return
	}
	switch r.Method {
	case http.MethodGet:
		page, ok, err := s.bridge.GetPage(id)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		if !ok {
			notFound(w, "page not found")
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPatch:
		var patch domain.PagePatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		page, err := s.bridge.UpdatePage(id, patch)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodDelete:
		ack := s.bridge.DeletePage(id)
		if !ack.Success {
			writeError(w, http.StatusInternalServerError, ack.Error)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req CreateBlockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	block, err := s.bridge.CreateBlock(req)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

// /channels/blocks/{id}
func (s *Server) handleBlockByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/channels/blocks/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var patch domain.BlockPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		block, err := s.bridge.UpdateBlock(id, patch)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, block)
	case http.MethodDelete:
		ack := s.bridge.DeleteBlock(id)
		if !ack.Success {
			writeError(w, http.StatusInternalServerError, ack.Error)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleReorderBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ack := s.bridge.ReorderBlocks(req.IDs)
	if !ack.Success {
		writeError(w, http.StatusInternalServerError, ack.Error)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeBridgeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
