package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/warden-dev/warden/internal/model"
)

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// list handles GET /servers.
func (s *Server) list(c *gin.Context) {
	servers := s.store.List()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(servers),
		"servers": servers,
	})
}

// get handles GET /servers/:name.
func (s *Server) get(c *gin.Context) {
	inst, err := s.store.Get(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// add handles POST /servers, registering a worker at runtime.
func (s *Server) add(c *gin.Context) {
	var cfg model.WorkerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.Add(c.Request.Context(), cfg); err != nil {
		fail(c, err)
		return
	}
	inst, err := s.store.Get(cfg.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// remove handles DELETE /servers/:name. Only stopped workers go away.
func (s *Server) remove(c *gin.Context) {
	name := c.Param("name")
	if err := s.sup.Remove(c.Request.Context(), name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": name})
}

// start handles POST /servers/:name/start. The command is accepted, not
// awaited: callers poll or subscribe to the stream for RUNNING.
func (s *Server) start(c *gin.Context) {
	inst, err := s.sup.Start(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) stop(c *gin.Context) {
	inst, err := s.sup.Stop(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) restart(c *gin.Context) {
	inst, err := s.sup.Restart(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) reset(c *gin.Context) {
	inst, err := s.sup.Reset(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}
