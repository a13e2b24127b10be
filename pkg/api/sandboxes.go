package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/router"
	"github.com/bayhq/bay/pkg/sandbox"
	"github.com/bayhq/bay/pkg/types"
)

const idempotencyHeader = "Idempotency-Key"

type createSandboxRequest struct {
	ProfileID   string `json:"profile_id" binding:"required"`
	CargoID     string `json:"cargo_id"`
	TTLSeconds  *int64 `json:"ttl_seconds"`
	SizeLimitMB int64  `json:"size_limit_mb"`
}

type extendTTLRequest struct {
	Seconds int64 `json:"seconds" binding:"required"`
}

type sandboxResponse struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	ProfileID        string     `json:"profile_id"`
	CargoID          string     `json:"cargo_id"`
	DesiredState     string     `json:"desired_state"`
	TTLSeconds       *int64     `json:"ttl_seconds"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IdleExpiresAt    *time.Time `json:"idle_expires_at,omitempty"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func renderSandbox(sb *types.Sandbox) sandboxResponse {
	return sandboxResponse{
		ID:               sb.ID,
		Owner:            sb.Owner,
		ProfileID:        sb.ProfileID,
		CargoID:          sb.CargoID,
		DesiredState:     string(sb.DesiredState),
		TTLSeconds:       sb.TTLSeconds,
		ExpiresAt:        sb.ExpiresAt,
		IdleExpiresAt:    sb.IdleExpiresAt,
		CurrentSessionID: sb.CurrentSessionID,
		CreatedAt:        sb.CreatedAt,
		UpdatedAt:        sb.UpdatedAt,
	}
}

// replayed wraps a handler body in the idempotency protocol when the caller
// supplies a key: the first execution's response is stored and repeated
// byte-identical for retries.
func (s *Server) replayed(c *gin.Context, body []byte, fn func() (int, interface{}, error)) {
	key := c.GetHeader(idempotencyHeader)
	fingerprint := sandbox.Fingerprint(c.Request.Method, c.Request.URL.Path, body)

	status, rendered, wasReplay, err := s.deps.Replayer.Execute(owner(c), key, fingerprint, func() (int, []byte, error) {
		status, payload, err := fn()
		if err != nil {
			return 0, nil, err
		}
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return 0, nil, bayerr.Wrap(merr, bayerr.KindInternal, "failed to encode response")
		}
		return status, raw, nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	if wasReplay {
		c.Header("X-Bay-Idempotent-Replay", "true")
	}
	c.Data(status, "application/json", rendered)
}

func (s *Server) createSandbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, bayerr.Wrap(err, bayerr.KindValidation, "failed to read request body"))
		return
	}
	var req createSandboxRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ProfileID == "" {
		fail(c, bayerr.E(bayerr.KindValidation, "profile_id is required"))
		return
	}

	s.replayed(c, body, func() (int, interface{}, error) {
		sb, err := s.deps.Sandboxes.Create(c.Request.Context(), sandbox.CreateRequest{
			Owner:       owner(c),
			ProfileID:   req.ProfileID,
			CargoID:     req.CargoID,
			TTLSeconds:  req.TTLSeconds,
			SizeLimitMB: req.SizeLimitMB,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, renderSandbox(sb), nil
	})
}

func (s *Server) listSandboxes(c *gin.Context) {
	opts := sandbox.ListOptions{
		ProfileID: c.Query("profile_id"),
		Cursor:    c.Query("cursor"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			fail(c, bayerr.E(bayerr.KindValidation, "invalid limit: %q", raw))
			return
		}
		opts.Limit = limit
	}

	sandboxes, next, err := s.deps.Sandboxes.List(owner(c), opts)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]sandboxResponse, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, renderSandbox(sb))
	}
	resp := gin.H{"sandboxes": out}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSandbox(c *gin.Context) {
	sb, err := s.deps.Sandboxes.Get(owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderSandbox(sb))
}

func (s *Server) deleteSandbox(c *gin.Context) {
	if err := s.deps.Sandboxes.Delete(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stopSandbox(c *gin.Context) {
	if err := s.deps.Sandboxes.Stop(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) keepaliveSandbox(c *gin.Context) {
	sb, err := s.deps.Sandboxes.Keepalive(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderSandbox(sb))
}

func (s *Server) extendTTL(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, bayerr.Wrap(err, bayerr.KindValidation, "failed to read request body"))
		return
	}
	var req extendTTLRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Seconds == 0 {
		fail(c, bayerr.E(bayerr.KindValidation, "seconds is required"))
		return
	}

	s.replayed(c, body, func() (int, interface{}, error) {
		sb, err := s.deps.Sandboxes.ExtendTTL(c.Request.Context(), owner(c), c.Param("id"), req.Seconds)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, renderSandbox(sb), nil
	})
}

// capability returns the handler dispatching one capability operation
// through the router to the runtime serving it.
func (s *Server) capability(cap, op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			fail(c, bayerr.Wrap(err, bayerr.KindValidation, "failed to read request body"))
			return
		}

		var timeout time.Duration
		if raw := c.Query("timeout_seconds"); raw != "" {
			seconds, err := strconv.ParseFloat(raw, 64)
			if err != nil || seconds < 0 {
				fail(c, bayerr.E(bayerr.KindValidation, "invalid timeout_seconds: %q", raw))
				return
			}
			timeout = time.Duration(seconds * float64(time.Second))
		}

		body, err := s.deps.Router.Dispatch(c.Request.Context(), router.Call{
			Owner:      owner(c),
			SandboxID:  c.Param("id"),
			Capability: types.Capability(cap),
			Operation:  op,
			Payload:    payload,
			Timeout:    timeout,
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", body)
	}
}

// uploadFile streams a multipart upload straight onto the cargo volume.
// No session is started; the file is visible at /workspace on the next
// capability call.
func (s *Server) uploadFile(c *gin.Context) {
	sb, err := s.deps.Sandboxes.Get(owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	relPath := c.PostForm("path")
	file, err := c.FormFile("file")
	if err != nil {
		fail(c, bayerr.E(bayerr.KindValidation, "multipart field %q is required", "file"))
		return
	}
	if relPath == "" {
		relPath = file.Filename
	}

	src, err := file.Open()
	if err != nil {
		fail(c, bayerr.Wrap(err, bayerr.KindValidation, "failed to open upload"))
		return
	}
	defer src.Close()

	n, err := s.deps.Cargos.CopyIn(c.Request.Context(), sb.CargoID, relPath, src)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": relPath, "size": n})
}

// downloadFile streams a workspace file back to the caller.
func (s *Server) downloadFile(c *gin.Context) {
	sb, err := s.deps.Sandboxes.Get(owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	relPath := c.Query("path")
	if relPath == "" {
		fail(c, bayerr.E(bayerr.KindValidation, "query parameter %q is required", "path"))
		return
	}

	reader, size, err := s.deps.Cargos.Open(c.Request.Context(), sb.CargoID, relPath)
	if err != nil {
		fail(c, err)
		return
	}
	defer reader.Close()
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", reader, map[string]string{
		"Content-Disposition": `attachment; filename="` + relPath + `"`,
	})
}
