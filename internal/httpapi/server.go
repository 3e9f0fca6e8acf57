// internal/httpapi/server.go
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	httprequest "github.com/mutablelogic/go-server/pkg/httprequest"
	httpresponse "github.com/mutablelogic/go-server/pkg/httpresponse"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/gateway"
	"github.com/user/pagewright/internal/runtime"
	"github.com/user/pagewright/internal/types"
)

// Service is the part of the task supervisor the HTTP layer uses.
type Service interface {
	Submit(projectID types.ProjectID, prompt string) (*gateway.Handle, error)
	Status(projectID types.ProjectID) (types.Snapshot, error)
	Stream(ctx context.Context, projectID types.ProjectID, since int64) (<-chan events.Entry, error)
	History(ctx context.Context, projectID types.ProjectID, limit int) ([]*types.TaskRecord, error)
	Task(ctx context.Context, projectID types.ProjectID, taskID types.TaskID) (*types.TaskRecord, error)
	Components(ctx context.Context, projectID types.ProjectID) ([]types.ComponentInfo, error)
	GenerateInteraction(ctx context.Context, req runtime.InteractionRequest) (*runtime.Interaction, error)
}

// Server is the HTTP handler for the generation API.
type Server struct {
	service   Service
	publicURL string
	mux       *http.ServeMux
}

// GenerateRequest is the JSON body for POST /api/projects/{id}/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse is returned when a task has been accepted.
type GenerateResponse struct {
	TaskID    types.TaskID    `json:"taskId"`
	ProjectID types.ProjectID `json:"projectId"`
	StreamURL string          `json:"streamUrl"`
}

// StreamRequest holds the query of GET /api/projects/{id}/stream.
type StreamRequest struct {
	Since *uint `json:"since,omitempty"`
}

// HistoryRequest holds the query of GET /api/projects/{id}/history.
type HistoryRequest struct {
	Limit *uint `json:"limit,omitempty"`
}

// ComponentsResponse lists a project's components.
type ComponentsResponse struct {
	Count      int                   `json:"count"`
	Components []types.ComponentInfo `json:"components"`
}

const defaultHistoryLimit = 20

// NewServer creates a Server. publicURL prefixes the stream URLs handed out
// by generate; when empty they are relative.
func NewServer(service Service, publicURL string) *Server {
	s := &Server{
		service:   service,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/projects/{id}/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/projects/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/projects/{id}/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/projects/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/projects/{id}/history/{task}", s.handleTask)
	s.mux.HandleFunc("GET /api/projects/{id}/components", s.handleComponents)
	s.mux.HandleFunc("POST /api/interactions", s.handleInteraction)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// StreamPath is the path subscribers use for a project's events.
func StreamPath(projectID types.ProjectID) string {
	return fmt.Sprintf("/api/projects/%s/stream", projectID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = httpresponse.JSON(w, http.StatusOK, 0, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	projectID := types.ProjectID(r.PathValue("id"))

	var req GenerateRequest
	if err := httprequest.Read(r, &req); err != nil {
		_ = httpresponse.Error(w, httpresponse.ErrBadRequest.With(err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		_ = httpresponse.Error(w, httpresponse.ErrBadRequest.With("prompt is required"))
		return
	}

	handle, err := s.service.Submit(projectID, req.Prompt)
	if err != nil {
		slog.Info("generate rejected", "project_id", projectID, "error", err)
		_ = httpresponse.Error(w, httpErr(err))
		return
	}

	_ = httpresponse.JSON(w, http.StatusAccepted, httprequest.Indent(r), GenerateResponse{
		TaskID:    handle.TaskID,
		ProjectID: handle.ProjectID,
		StreamURL: s.publicURL + StreamPath(handle.ProjectID),
	})
}

// handleStream replays the project's events from ?since and follows the
// task until its terminal event has been sent. Closing the connection only
// stops delivery; the task keeps running.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	projectID := types.ProjectID(r.PathValue("id"))

	var req StreamRequest
	if err := httprequest.Query(r.URL.Query(), &req); err != nil {
		_ = httpresponse.Error(w, httpresponse.ErrBadRequest.With(err))
		return
	}
	var since int64
	if req.Since != nil {
		since = int64(*req.Since)
	}

	entries, err := s.service.Stream(r.Context(), projectID, since)
	if err != nil {
		_ = httpresponse.Error(w, httpErr(err))
		return
	}

	stream := httpresponse.NewTextStream(w)
	if stream == nil {
		_ = httpresponse.Error(w, httpresponse.ErrInternalError.With("streaming not supported"))
		return
	}
	defer stream.Close()

	sent := 0
	for entry := range entries {
		stream.Write(string(entry.Event.Type()), entry)
		sent++
	}
	slog.Debug("stream closed", "project_id", projectID, "since", since, "sent", sent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Status(types.ProjectID(r.PathValue("id")))
	if err != nil {
		_ = httpresponse.Error(w, httpErr(err))
		return
	}
	_ = httpresponse.JSON(w, http.StatusOK, httprequest.Indent(r), snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req HistoryRequest
	if err := httprequest.Query(r.URL.Query(), &req); err != nil {
		_ = httpresponse.Error(w, httpresponse.ErrBadRequest.With(err))
		return
	}
	limit := defaultHistoryLimit
	if req.Limit != nil {
		limit = int(*req.Limit)
	}

	records, err := s.service.History(r.Context(), types.ProjectID(r.PathValue("id")), limit)
	if err != nil {
		_ = httpresponse.Error(w, httpErr(err))
		return
	}
	if records == nil {
		records = []*types.TaskRecord{}
	}
	_ = httpresponse.JSON(w, http.StatusOK, httprequest.Indent(r), records)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Task(r.Context(), types.ProjectID(r.PathValue("id")), types.TaskID(r.PathValue("task")))
	if err != nil {
		_ = httpresponse.Error(w, httpErr(err))
		return
	}
	_ = httpresponse.JSON(w, http.StatusOK, httprequest.Indent(r), rec)
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	infos, err := s.service.Components(r.Context(), types.ProjectID(r.PathValue("id")))
	if err != nil {
		_ = httpresponse.Error(w, httpErr(err))
		return
	}
	_ = httpresponse.JSON(w, http.StatusOK, httprequest.Indent(r), ComponentsResponse{
		Count:      len(infos),
		Components: infos,
	})
}

// handleInteraction generates one event handler synchronously.
func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req runtime.InteractionRequest
	if err := httprequest.Read(r, &req); err != nil {
		_ = httpresponse.Error(w, httpresponse.ErrBadRequest.With(err))
		return
	}
	out, err := s.service.GenerateInteraction(r.Context(), req)
	if err != nil {
		_ = httpresponse.Error(w, httpErr(err))
		return
	}
	_ = httpresponse.JSON(w, http.StatusOK, httprequest.Indent(r), out)
}

// httpErr converts a types.Err to an httpresponse.Err, preserving the
// original error message. Unknown error codes map to 500.
func httpErr(err error) error {
	var code types.Err
	if !errors.As(err, &code) {
		return httpresponse.ErrInternalError.With(err)
	}
	switch code {
	case types.ErrNotFound:
		return httpresponse.ErrNotFound.With(err)
	case types.ErrBadParameter, types.ErrValidation:
		return httpresponse.ErrBadRequest.With(err)
	case types.ErrConflict:
		return httpresponse.ErrConflict.With(err)
	case types.ErrProviderStream:
		return httpresponse.ErrGatewayError.With(err)
	default:
		return httpresponse.ErrInternalError.With(err)
	}
}
