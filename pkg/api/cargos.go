package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/types"
)

type createCargoRequest struct {
	SizeLimitMB int64 `json:"size_limit_mb"`
}

type cargoResponse struct {
	ID                 string    `json:"id"`
	Owner              string    `json:"owner"`
	Managed            bool      `json:"managed"`
	ManagedBySandboxID string    `json:"managed_by_sandbox_id,omitempty"`
	SizeLimitMB        int64     `json:"size_limit_mb"`
	CreatedAt          time.Time `json:"created_at"`
	LastAccessedAt     time.Time `json:"last_accessed_at"`
}

func renderCargo(c *types.Cargo) cargoResponse {
	return cargoResponse{
		ID:                 c.ID,
		Owner:              c.Owner,
		Managed:            c.Managed,
		ManagedBySandboxID: c.ManagedBySandboxID,
		SizeLimitMB:        c.SizeLimitMB,
		CreatedAt:          c.CreatedAt,
		LastAccessedAt:     c.LastAccessedAt,
	}
}

func (s *Server) createCargo(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, bayerr.Wrap(err, bayerr.KindValidation, "failed to read request body"))
		return
	}
	var req createCargoRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			fail(c, bayerr.E(bayerr.KindValidation, "malformed request body"))
			return
		}
	}

	s.replayed(c, body, func() (int, interface{}, error) {
		created, err := s.deps.Cargos.Create(c.Request.Context(), owner(c), req.SizeLimitMB)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, renderCargo(created), nil
	})
}

func (s *Server) listCargos(c *gin.Context) {
	cargos, err := s.deps.Cargos.List(owner(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]cargoResponse, 0, len(cargos))
	for _, cg := range cargos {
		out = append(out, renderCargo(cg))
	}
	c.JSON(http.StatusOK, gin.H{"cargos": out})
}

func (s *Server) getCargo(c *gin.Context) {
	cg, err := s.deps.Cargos.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if cg.Owner != owner(c) {
		fail(c, bayerr.E(bayerr.KindNotFound, "cargo not found: %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, renderCargo(cg))
}

func (s *Server) deleteCargo(c *gin.Context) {
	cg, err := s.deps.Cargos.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if cg.Owner != owner(c) {
		fail(c, bayerr.E(bayerr.KindNotFound, "cargo not found: %s", c.Param("id")))
		return
	}
	if err := s.deps.Cargos.Delete(c.Request.Context(), cg.ID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type profileContainerResponse struct {
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	RuntimeType  string   `json:"runtime_type"`
	Capabilities []string `json:"capabilities"`
	PrimaryFor   []string `json:"primary_for,omitempty"`
}

type profileResponse struct {
	ID                 string                     `json:"id"`
	IdleTimeoutSeconds int                        `json:"idle_timeout_seconds"`
	DefaultTTLSeconds  int                        `json:"default_ttl_seconds"`
	Containers         []profileContainerResponse `json:"containers"`
}

func (s *Server) listProfiles(c *gin.Context) {
	profiles := s.deps.Profiles.List()
	out := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		pr := profileResponse{
			ID:                 p.ID,
			IdleTimeoutSeconds: p.IdleTimeoutSeconds,
			DefaultTTLSeconds:  p.DefaultTTLSeconds,
		}
		for _, ctr := range p.Containers {
			pr.Containers = append(pr.Containers, profileContainerResponse{
				Name:         ctr.Name,
				Image:        ctr.Image,
				RuntimeType:  string(ctr.RuntimeType),
				Capabilities: capabilityStrings(ctr.Capabilities),
				PrimaryFor:   capabilityStrings(ctr.PrimaryFor),
			})
		}
		out = append(out, pr)
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}

func capabilityStrings(caps []types.Capability) []string {
	if len(caps) == 0 {
		return nil
	}
	out := make([]string, len(caps))
	for i, cap := range caps {
		out[i] = string(cap)
	}
	return out
}

type gcRunRequest struct {
	Task string `json:"task"`
}

func (s *Server) gcStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.GC.Status()})
}

func (s *Server) gcRun(c *gin.Context) {
	var req gcRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		fail(c, bayerr.E(bayerr.KindValidation, "malformed request body"))
		return
	}
	if req.Task == "" {
		s.deps.GC.RunAll(c.Request.Context())
	} else if err := s.deps.GC.RunTask(c.Request.Context(), req.Task); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.GC.Status()})
}
