/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api exposes the reference HTTP surface over the orchestration
// engine. Authentication proper belongs to an outer collaborator; this
// package only enforces the administrator-role seam on the endpoints that
// require it.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/approval"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/deployment"
	"github.com/jordigilh/deploynaut/pkg/orchestrator"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
	"github.com/jordigilh/deploynaut/pkg/shared/logging"
	"github.com/jordigilh/deploynaut/pkg/tracker"
)

// Server wires the HTTP handlers to the engine.
type Server struct {
	orch       *orchestrator.Orchestrator
	gate       *approval.Gate
	thresholds node.Thresholds
	registry   prometheus.Gatherer
	logger     *zap.Logger

	// adminToken is the administrator-role seam: when set, mutating
	// admin endpoints require it as a bearer token. The real identity
	// layer lives in front of this service.
	adminToken string
}

// NewServer creates the API server.
func NewServer(orch *orchestrator.Orchestrator, gate *approval.Gate, thresholds node.Thresholds,
	registry prometheus.Gatherer, adminToken string, logger *zap.Logger) *Server {
	return &Server{
		orch:       orch,
		gate:       gate,
		thresholds: thresholds,
		registry:   registry,
		logger:     logger,
		adminToken: adminToken,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/deployments", s.handleCreateDeployment)
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/deployments/{executionID}", s.handleGetDeployment)
		r.With(s.requireAdmin).Post("/deployments/{executionID}/rollback", s.handleRollback)
		r.With(s.requireAdmin).Post("/approvals/{executionID}/approve", s.handleApprove)
		r.With(s.requireAdmin).Post("/approvals/{executionID}/reject", s.handleReject)
		r.Get("/clusters/{environment}", s.handleClusterStatus)
		r.With(s.requireAdmin).Post("/clusters/{environment}/nodes", s.handleRegisterNode)
		r.With(s.requireAdmin).Delete("/clusters/{environment}/nodes/{nodeID}", s.handleDeregisterNode)
		r.Post("/clusters/{environment}/nodes/{nodeID}/heartbeat", s.handleHeartbeat)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.registry != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// requireAdmin enforces the administrator-role seam.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" && r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			s.writeError(w, r, apperrors.NewAuthError("administrator role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createDeploymentRequest struct {
	ArtifactName      string            `json:"artifact_name"`
	Version           string            `json:"version"`
	TargetEnvironment string            `json:"target_environment"`
	RequesterEmail    string            `json:"requester_email"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	// Content and Signature carry the artifact bytes and its detached
	// PKCS#7 signature, base64 encoded.
	Content   string `json:"content"`
	Signature string `json:"signature"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var body createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperrors.NewValidationError("malformed request body"))
		return
	}

	env, err := platform.ParseEnvironment(body.TargetEnvironment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		s.writeError(w, r, apperrors.NewValidationError("content must be base64 encoded"))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		s.writeError(w, r, apperrors.NewValidationError("signature must be base64 encoded"))
		return
	}

	req := &deployment.Request{
		Artifact: artifact.Descriptor{
			Name:      body.ArtifactName,
			Version:   body.Version,
			Content:   content,
			Signature: sig,
			Metadata:  body.Metadata,
		},
		Environment: env,
		Requester:   body.RequesterEmail,
	}

	id, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/deployments/"+id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

type deploymentResponse struct {
	ExecutionID       string                   `json:"execution_id"`
	OverallStatus     deployment.Status        `json:"overall_status"`
	Stages            []deployment.StageRecord `json:"stages"`
	Environment       platform.Environment     `json:"environment"`
	Artifact          string                   `json:"artifact"`
	TraceID           string                   `json:"trace_id,omitempty"`
	Message           string                   `json:"message,omitempty"`
	InconsistentNodes []string                 `json:"inconsistent_nodes,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	EndedAt           *time.Time               `json:"ended_at,omitempty"`
}

func toDeploymentResponse(exec *deployment.Execution) deploymentResponse {
	return deploymentResponse{
		ExecutionID:       exec.ExecutionID,
		OverallStatus:     exec.Status,
		Stages:            exec.Stages,
		Environment:       exec.Environment,
		Artifact:          exec.Artifact.ID(),
		TraceID:           exec.TraceID,
		Message:           exec.Message,
		InconsistentNodes: exec.InconsistentNodes,
		StartedAt:         exec.StartedAt,
		EndedAt:           exec.EndedAt,
	}
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	exec, err := s.orch.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDeploymentResponse(exec))
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	page := tracker.Page{Limit: 50}
	execs, err := s.orch.List(r.Context(), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]deploymentResponse, 0, len(execs))
	for _, exec := range execs {
		out = append(out, toDeploymentResponse(exec))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deployments": out})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if err := s.orch.Rollback(r.Context(), executionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

type decisionRequest struct {
	ResolverEmail string `json:"resolver_email"`
	Reason        string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.gate.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.gate.Reject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request,
	decide func(ctx context.Context, executionID, resolver, reason string) (*approval.Approval, error)) {
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperrors.NewValidationError("malformed request body"))
		return
	}
	if body.ResolverEmail == "" {
		s.writeError(w, r, apperrors.NewValidationError("resolver_email is required"))
		return
	}

	// The path segment may be an execution id or an approval id.
	executionID, err := s.gate.ExecutionIDFor(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := decide(r.Context(), executionID, body.ResolverEmail, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	c, err := s.orch.ClusterStatus(chi.URLParam(r, "environment"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	health := c.Health(s.thresholds)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"environment":     c.Environment,
		"total_nodes":     health.TotalNodes,
		"healthy_nodes":   health.HealthyNodes,
		"degraded_nodes":  health.DegradedNodes,
		"unhealthy_nodes": health.UnhealthyNodes,
		"state":           health.State,
		"aggregate_counters": map[string]float64{
			"avg_cpu_percent": health.AvgCPUPercent,
			"avg_mem_percent": health.AvgMemPercent,
			"avg_latency_ms":  health.AvgLatencyMS,
			"avg_error_rate":  health.AvgErrorRate,
		},
	})
}

type registerNodeRequest struct {
	Hostname string `json:"hostname"`
}

// handleRegisterNode adds a worker node to an environment's cluster. The
// production path for this is the external cluster registry; the endpoint
// exists for bootstrap and operations tooling.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var body registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Hostname == "" {
		s.writeError(w, r, apperrors.NewValidationError("hostname is required"))
		return
	}

	c, err := s.orch.ClusterStatus(chi.URLParam(r, "environment"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n := node.New(body.Hostname, c.Environment)
	c.AddNode(n)
	s.writeJSON(w, http.StatusCreated, map[string]string{"node_id": n.ID})
}

func (s *Server) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	c, err := s.orch.ClusterStatus(chi.URLParam(r, "environment"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if c.Node(nodeID) == nil {
		s.writeError(w, r, apperrors.NewNotFoundError("node "+nodeID))
		return
	}
	c.RemoveNode(nodeID)
	w.WriteHeader(http.StatusNoContent)
}

// handleHeartbeat records a health report from a node agent.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var sample node.HealthSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		s.writeError(w, r, apperrors.NewValidationError("malformed health sample"))
		return
	}

	c, err := s.orch.ClusterStatus(chi.URLParam(r, "environment"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	n := c.Node(nodeID)
	if n == nil {
		s.writeError(w, r, apperrors.NewNotFoundError("node "+nodeID))
		return
	}
	n.Heartbeat(sample)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetStatusCode(err)
	s.logger.Warn("request failed",
		logging.HTTPFields(r.Method, r.URL.Path, status).Error(err).ToZap()...)
	s.writeJSON(w, status, map[string]string{"error": apperrors.SafeErrorMessage(err)})
}
