package server

import (
	"fmt"
	"net/http"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/mirror"
	"github.com/gin-gonic/gin"
)

// document is a datastore entity whose id comes from the request path on PUT.
type document[T any] interface {
	mirror.Entity[T]
	WithID(id string) T
}

// registerDocumentRoutes serves CRUD for a datastore collection under
// /<collection name>.
func registerDocumentRoutes[T document[T]](routes gin.IRoutes, coll *mirror.Collection[T]) {
	name := coll.Name()
	path := "/" + name

	routes.GET(path, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{name: coll.List()})
	})
	routes.GET(path+"/:id", func(c *gin.Context) {
		v, ok := coll.Get(c.Param("id"))
		if !ok {
			writeError(c, &blocks.NotFoundError{Op: "get", Scope: coll.Scope(), ID: c.Param("id")})
			return
		}
		c.JSON(http.StatusOK, v)
	})
	routes.POST(path, func(c *gin.Context) {
		var v T
		if !bind(c, &v) {
			return
		}
		out, err := coll.Create(c.Request.Context(), v)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, out)
	})
	routes.PUT(path+"/:id", func(c *gin.Context) {
		var v T
		if !bind(c, &v) {
			return
		}
		if v.Key() != "" && v.Key() != c.Param("id") {
			writeError(c, fmt.Errorf("%w: id mismatch path=%q body=%q", ErrBadRequest, c.Param("id"), v.Key()))
			return
		}
		out, err := coll.Save(c.Request.Context(), v.WithID(c.Param("id")))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	})
	routes.DELETE(path+"/:id", func(c *gin.Context) {
		if err := coll.Remove(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}
