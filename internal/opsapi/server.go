// Package opsapi exposes the external IO surface (internal/iosurface,
// C7) over HTTP: read-only query_state/profiling_info plus a cancel
// endpoint. Grounded on internal/api's Server.Register pattern — a thin
// echo.Echo route table bound to a handful of handler methods — but
// these three routes are an operational convenience, not part of the
// orchestration contract itself, and never feed back into the pipeline
// driver (§4.7a).
package opsapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/npuw-go/npuw/internal/iosurface"
)

// Server registers the ops HTTP surface over one iosurface.Surface.
type Server struct {
	surface *iosurface.Surface
}

// NewServer builds a Server over surface.
func NewServer(surface *iosurface.Surface) *Server {
	return &Server{surface: surface}
}

// Register mounts the ops routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/state", s.handleState)
	e.GET("/profiling", s.handleProfiling)
	e.POST("/cancel/:idx", s.handleCancel)
}

func (s *Server) handleState(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.surface.QueryState())
}

func (s *Server) handleProfiling(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.surface.ProfilingInfo())
}

func (s *Server) handleCancel(c *echo.Context) error {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil {
		return writeBadRequest(c, "invalid submodel index")
	}
	if err := s.surface.Cancel(idx); err != nil {
		return writeBadRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"cancelled": idx})
}
