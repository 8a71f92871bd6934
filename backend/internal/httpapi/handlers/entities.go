package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taskcollab/backend/internal/collab"
	"taskcollab/backend/internal/ot"
)

// OpHistory serves committed operations older than the engine's in-memory
// window from durable storage.
type OpHistory interface {
	ListSince(ctx context.Context, ref ot.EntityRef, fromRevision uint64, limit int) ([]collab.CommittedOp, error)
}

type EntityHandlers struct {
	engine  collab.Engine
	history OpHistory // nil: no durable fallback
}

func NewEntityHandlers(engine collab.Engine, history OpHistory) *EntityHandlers {
	return &EntityHandlers{engine: engine, history: history}
}

func entityRef(c *gin.Context) (ot.EntityRef, bool) {
	ref := ot.EntityRef{Type: c.Param("type"), ID: c.Param("id")}
	if ref.Type == "" || ref.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_ENTITY", "message": "entity type and id are required"})
		return ot.EntityRef{}, false
	}
	return ref, true
}

// GetSnapshot returns the current fields and revision of an entity. Clients
// use it to join and to resync after a stale operation.
func (h *EntityHandlers) GetSnapshot(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	snap, err := h.engine.Snapshot(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SNAPSHOT_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetOps returns committed operations after ?since=, bounded by ?limit=.
func (h *EntityHandlers) GetOps(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_SINCE", "message": "since must be a revision number"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_LIMIT", "message": "limit must be a non-negative integer"})
		return
	}
	ops, err := h.engine.OpsSince(c.Request.Context(), ref, since, limit)
	if errors.Is(err, collab.ErrStaleOperation) && h.history != nil {
		ops, err = h.history.ListSince(c.Request.Context(), ref, since, limit)
	}
	if err != nil {
		if errors.Is(err, collab.ErrStaleOperation) {
			c.JSON(http.StatusGone, gin.H{"code": "STALE_OPERATION", "message": "revision no longer retained, fetch a snapshot"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "OPS_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": ref.String(), "ops": ops})
}

// SaveSnapshot persists the entity's current content.
func (h *EntityHandlers) SaveSnapshot(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	if err := h.engine.SaveSnapshot(c.Request.Context(), ref); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SAVE_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": ref.String(), "saved": true})
}
