package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/mirror"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServiceInfo struct {
	ID     string       `json:"id"`
	State  mirror.State `json:"state"`
	Blocks int          `json:"blocks"`
}

type renameRequest struct {
	ID string `json:"id"`
}

type addServiceRequest struct {
	ID string `json:"id"`
}

// RegisterRoutes installs every route once; later calls are no-ops.
func (s *Server) RegisterRoutes() {
	s.registered.Do(s.registerRoutes)
}

func (s *Server) registerRoutes() {
	base := s.router.Group("")
	base.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		})
	})

	routes := base.Group("")
	if s.Auth != nil {
		routes.Use(requireToken(s.Auth))
	}

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		services := s.Services()
		ready := true
		for _, svc := range services {
			if svc.State != mirror.StateActive {
				ready = false
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"uptime":   time.Since(s.Appeared).String(),
			"node":     s.ID,
			"services": services,
		})
	})

	routes.GET("/events", s.streamChanges)

	routes.GET("/specs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"types": s.Registry.Catalog().Types()})
	})
	routes.GET("/specs/:type", func(c *gin.Context) {
		sp, ok := s.Registry.Catalog().ByType(c.Param("type"))
		if !ok {
			writeError(c, fmt.Errorf("%w: %q", ErrTypeNotFound, c.Param("type")))
			return
		}
		c.JSON(http.StatusOK, sp)
	})

	routes.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": s.Services()})
	})
	routes.POST("/services", s.addService)
	routes.DELETE("/services/:service", func(c *gin.Context) {
		s.Registry.RemoveService(c.Param("service"))
		c.Status(http.StatusNoContent)
	})

	routes.GET("/services/:service/blocks", func(c *gin.Context) {
		mod, ok := s.module(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocks": mod.Blocks()})
	})
	routes.POST("/services/:service/blocks", s.createBlock)
	routes.GET("/services/:service/blocks/:id", func(c *gin.Context) {
		mod, ok := s.module(c)
		if !ok {
			return
		}
		b, found := mod.FindByID(c.Param("id"))
		if !found {
			writeError(c, &blocks.NotFoundError{Op: "get", Scope: mod.ID(), ID: c.Param("id")})
			return
		}
		c.JSON(http.StatusOK, b)
	})
	routes.PUT("/services/:service/blocks/:id", s.saveBlock)
	routes.DELETE("/services/:service/blocks/:id", func(c *gin.Context) {
		mod, ok := s.module(c)
		if !ok {
			return
		}
		if err := mod.Remove(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	routes.POST("/services/:service/blocks/:id/rename", s.renameBlock)
	routes.GET("/services/:service/blocks/:id/fields/*field", func(c *gin.Context) {
		addr := blocks.FieldAddress{ServiceID: c.Param("service"), ID: c.Param("id"), Field: c.Param("field")}
		v, ok := s.Registry.Field(addr)
		if !ok {
			writeError(c, &blocks.NotFoundError{Op: "field", Scope: addr.ServiceID, ID: addr.ID + addr.Field})
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": v})
	})

	routes.GET("/presets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"presets": s.Registry.Presets()})
	})
	routes.POST("/presets", func(c *gin.Context) {
		var p blocks.Preset
		if !bind(c, &p) {
			return
		}
		out, err := s.Registry.CreatePreset(c.Request.Context(), p)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, out)
	})
	routes.PUT("/presets/:id", func(c *gin.Context) {
		var p blocks.Preset
		if !bind(c, &p) {
			return
		}
		p.ID = c.Param("id")
		out, err := s.Registry.SavePreset(c.Request.Context(), p)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	})
	routes.DELETE("/presets/:id", func(c *gin.Context) {
		if err := s.Registry.RemovePreset(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	if s.Layouts != nil {
		registerDocumentRoutes(routes, s.Layouts)
	}
	if s.Processes != nil {
		registerDocumentRoutes(routes, s.Processes)
	}
}

// Services reports every registered service in id order.
func (s *Server) Services() []ServiceInfo {
	ids := s.Registry.ServiceIDs()
	out := make([]ServiceInfo, 0, len(ids))
	for _, id := range ids {
		info := ServiceInfo{ID: id, State: s.Registry.ServiceState(id)}
		if mod, ok := s.Registry.Module(id); ok {
			info.Blocks = mod.Len()
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) addService(c *gin.Context) {
	var req addServiceRequest
	if !bind(c, &req) {
		return
	}
	if err := s.Registry.AddService(c.Request.Context(), req.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ServiceInfo{ID: req.ID, State: s.Registry.ServiceState(req.ID)})
}

func (s *Server) createBlock(c *gin.Context) {
	mod, ok := s.module(c)
	if !ok {
		return
	}
	var b blocks.Block
	if !bind(c, &b) {
		return
	}
	if b.Data == nil && b.Type != "" {
		generated, err := s.Registry.NewBlock(mod.ID(), b.ID, b.Type)
		if err != nil {
			writeError(c, err)
			return
		}
		b.Data = generated.Data
		if b.Groups == nil {
			b.Groups = generated.Groups
		}
	}
	out, err := mod.Create(c.Request.Context(), b)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) saveBlock(c *gin.Context) {
	mod, ok := s.module(c)
	if !ok {
		return
	}
	var b blocks.Block
	if !bind(c, &b) {
		return
	}
	if b.ID != "" && b.ID != c.Param("id") {
		writeError(c, fmt.Errorf("%w: id mismatch path=%q body=%q", ErrBadRequest, c.Param("id"), b.ID))
		return
	}
	b.ID = c.Param("id")
	out, err := mod.Save(c.Request.Context(), b)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) renameBlock(c *gin.Context) {
	mod, ok := s.module(c)
	if !ok {
		return
	}
	var req renameRequest
	if !bind(c, &req) {
		return
	}
	out, err := mod.Rename(c.Request.Context(), c.Param("id"), req.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// streamChanges forwards registry changes as server-sent events.
func (s *Server) streamChanges(c *gin.Context) {
	changes, cancel := s.Registry.Watch(64)
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent(string(change.Kind), change)
			return true
		}
	})
}

func (s *Server) module(c *gin.Context) (*mirror.ServiceModule, bool) {
	id := c.Param("service")
	mod, ok := s.Registry.Module(id)
	if !ok {
		writeError(c, fmt.Errorf("%w: %q", ErrServiceNotFound, id))
		return nil, false
	}
	return mod, true
}

func bind(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return false
	}
	return true
}
