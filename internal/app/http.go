package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"botforge/api/internal/auth"
	"botforge/api/internal/metrics"
	"botforge/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: promhttp.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, err := intParam(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(
			r.Context(),
			session,
			strings.TrimSpace(query.Get("q")),
			strings.TrimSpace(query.Get("botId")),
			strings.TrimSpace(query.Get("type")),
			limit,
			offset,
		)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/bots" {
		var body struct {
			Name         string          `json:"name"`
			InitialState json.RawMessage `json:"initialState"`
			Message      string          `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateBot(r.Context(), session, body.Name, nullToEmpty(body.InitialState), body.Message)
		s.respond(w, http.StatusCreated, payload, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "bots" {
		s.handleBot(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBot(w http.ResponseWriter, r *http.Request, session Session, botID string, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		payload, err := s.service.GetBot(r.Context(), session, botID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(parts) == 1 && parts[0] == "collaborators" && r.Method == http.MethodPost {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.AddCollaborator(r.Context(), session, botID, body.UserID)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		return
	}

	if len(parts) >= 1 && parts[0] == "branches" {
		s.handleBranches(w, r, session, botID, parts[1:])
		return
	}

	if len(parts) >= 1 && parts[0] == "commits" {
		s.handleCommits(w, r, session, botID, parts[1:])
		return
	}

	if len(parts) >= 1 && parts[0] == "pulls" {
		s.handlePullRequests(w, r, session, botID, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBranches(w http.ResponseWriter, r *http.Request, session Session, botID string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListBranches(r.Context(), session, botID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body struct {
				Name           string `json:"name"`
				SourceBranchID string `json:"sourceBranchId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateBranch(r.Context(), session, botID, body.Name, body.SourceBranchID)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	branchID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetBranch(r.Context(), session, botID, branchID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			payload, err := s.service.DeleteBranch(r.Context(), session, botID, branchID)
			s.respond(w, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "commits" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListCommits(r.Context(), session, botID, branchID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body CreateCommitRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateCommit(r.Context(), session, botID, branchID, body)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet {
		payload, err := s.service.BranchHistory(r.Context(), session, botID, branchID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(parts) == 2 && parts[1] == "mirror" {
		switch r.Method {
		case http.MethodGet:
			limit, err := intParam(r.URL.Query().Get("limit"), 50)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			payload, err := s.service.MirrorHistory(r.Context(), session, botID, branchID, limit)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			payload, err := s.service.SyncBranchMirror(r.Context(), session, botID, branchID)
			s.respond(w, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCommits(w http.ResponseWriter, r *http.Request, session Session, botID string, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		branchID := strings.TrimSpace(r.URL.Query().Get("branchId"))
		payload, err := s.service.ListCommits(r.Context(), session, botID, branchID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	if len(parts) == 0 {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	commitID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		payload, err := s.service.GetCommit(r.Context(), session, botID, commitID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet {
		result, err := s.service.ExportCommit(r.Context(), session, botID, commitID)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if len(parts) == 3 && parts[1] == "export" && parts[2] == "publish" && r.Method == http.MethodPost {
		payload, err := s.service.PublishCommit(r.Context(), session, botID, commitID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePullRequests(w http.ResponseWriter, r *http.Request, session Session, botID string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			status := strings.TrimSpace(r.URL.Query().Get("status"))
			payload, err := s.service.ListPullRequests(r.Context(), session, botID, status)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body CreatePullRequestRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreatePullRequest(r.Context(), session, botID, body)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	prID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		payload, err := s.service.GetPullRequest(r.Context(), session, botID, prID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(parts) == 2 {
		switch {
		case parts[1] == "diff" && r.Method == http.MethodGet:
			payload, err := s.service.PullRequestDiff(r.Context(), session, botID, prID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case parts[1] == "complete" && r.Method == http.MethodPost:
			payload, err := s.service.CompletePullRequest(r.Context(), session, botID, prID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case parts[1] == "close" && r.Method == http.MethodPost:
			payload, err := s.service.ClosePullRequest(r.Context(), session, botID, prID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case parts[1] == "comments" && r.Method == http.MethodGet:
			payload, err := s.service.ListComments(r.Context(), session, botID, prID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case parts[1] == "comments" && r.Method == http.MethodPost:
			var body AddCommentRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.AddComment(r.Context(), session, botID, prID, body)
			s.respond(w, http.StatusCreated, payload, err)
			return
		}
	}

	if len(parts) == 3 && parts[1] == "comments" && r.Method == http.MethodPut {
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateComment(r.Context(), session, botID, parts[2], body.Content)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(parts) == 4 && parts[1] == "comments" && parts[3] == "resolve" && r.Method == http.MethodPost {
		body := struct {
			Resolved *bool `json:"resolved"`
		}{}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resolved := true
		if body.Resolved != nil {
			resolved = *body.Resolved
		}
		payload, err := s.service.ResolveComment(r.Context(), session, botID, parts[2], resolved)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.HTTPRequests.WithLabelValues(r.Method, statusClass(writer.status)).Observe(elapsed.Seconds())
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// nullToEmpty treats an explicit JSON null like an absent field.
func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return raw
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if translated, ok := engineError(err); ok {
		return translated.Status, translated.Code, translated.Message, translated.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
