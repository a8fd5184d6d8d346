// Package admin serves the operator HTTP API.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mangasync/internal/auth"
	"mangasync/internal/gatekeeper"
	"mangasync/internal/jobs"
	"mangasync/internal/ratelimit"
	"mangasync/internal/resolution"
	"mangasync/internal/storage"
	"mangasync/pkg/models"
)

type Gate interface {
	Submit(ctx context.Context, p gatekeeper.Proposal) (gatekeeper.Decision, error)
	GetSystemHealth(ctx context.Context) gatekeeper.Health
}

type Limits interface {
	GetStatus(ctx context.Context, source string) (ratelimit.Status, error)
}

type Negatives interface {
	Entry(ctx context.Context, key string) (*ratelimit.NegativeEntry, error)
}

type SeriesSources interface {
	GetSeriesSource(ctx context.Context, id string) (*models.SeriesSource, error)
	Count(ctx context.Context, q storage.ListQuery) (int, error)
	ListSeriesSources(ctx context.Context, q storage.ListQuery) ([]models.SeriesSource, error)
}

type Library interface {
	GetEntry(ctx context.Context, id string) (*models.LibraryEntry, error)
	List(ctx context.Context, userID, status string, limit, offset int) ([]models.LibraryEntry, int, error)
	SetOverride(ctx context.Context, id, seriesID string) (bool, error)
}

type Resolver interface {
	RetryUser(ctx context.Context, entryID string) (resolution.Outcome, error)
}

type Failures interface {
	Get(ctx context.Context, id int64) (*models.FailureRecord, error)
	List(ctx context.Context, jobName string, limit, offset int) ([]models.FailureRecord, int, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type Revoker interface {
	Revoke(ctx context.Context, operator string) (int, error)
}

type Handler struct {
	Gate      Gate
	Limits    Limits
	Negatives Negatives
	Sources   SeriesSources
	Library   Library
	Resolver  Resolver
	Failures  Failures
	Revoker   Revoker
	Log       zerolog.Logger
}

// RegisterRoutes mounts the protected routes. Reads need a viewer token,
// anything that changes state needs an operator token.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	read := rg.Group("", auth.RequireRole(auth.RoleViewer))
	read.GET("/system/health", h.systemHealth)
	read.GET("/limits/:source", h.limits)
	read.GET("/series-sources", h.listSources)
	read.GET("/series-sources/:id", h.getSource)
	read.GET("/library", h.listEntries)
	read.GET("/dead-letters", h.listFailures)
	read.GET("/dead-letters/:id", h.getFailure)

	write := rg.Group("", auth.RequireRole(auth.RoleOperator))
	write.POST("/series-sources/:id/sync", h.requestSync)
	write.POST("/library/:id/resolve", h.resolve)
	write.PUT("/library/:id/override", h.override)
	write.DELETE("/dead-letters/:id", h.deleteFailure)
	write.POST("/auth/revoke", h.revoke)
}

func (h *Handler) systemHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.Gate.GetSystemHealth(c.Request.Context()))
}

func (h *Handler) limits(c *gin.Context) {
	source := models.SourceKey(c.Param("source"))
	st, err := h.Limits.GetStatus(c.Request.Context(), source)
	if err != nil {
		h.Log.Error().Err(err).Str("source", source).Msg("limiter status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) listSources(c *gin.Context) {
	q := storage.ListQuery{
		Source: c.Query("source"),
		Limit:  parseInt(c.Query("limit"), 20),
		Offset: parseInt(c.Query("offset"), 0),
	}
	if t := c.Query("tier"); t != "" {
		q.Tier = string(models.ParseTier(strings.ToUpper(t)))
	}
	if d := c.Query("disabled"); d != "" {
		v, err := strconv.ParseBool(d)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "disabled must be a boolean"})
			return
		}
		q.Disabled = &v
	}

	total, err := h.Sources.Count(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	items, err := h.Sources.ListSeriesSources(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
		"items":  items,
	})
}

func (h *Handler) getSource(c *gin.Context) {
	ss, ok := h.loadSource(c)
	if !ok {
		return
	}
	neg, err := h.Negatives.Entry(c.Request.Context(), ss.ID)
	if err != nil {
		// the row is still useful without the cache view
		h.Log.Warn().Err(err).Str("series_source_id", ss.ID).Msg("negative cache entry")
	}
	c.JSON(http.StatusOK, gin.H{
		"series_source":  ss,
		"negative_cache": neg,
	})
}

// requestSync proposes a USER_REQUEST sync. The gatekeeper still decides;
// a rejection is reported with 409 and the decision body.
func (h *Handler) requestSync(c *gin.Context) {
	ss, ok := h.loadSource(c)
	if !ok {
		return
	}
	if ss.Disabled {
		c.JSON(http.StatusConflict, gin.H{"error": "series source is disabled"})
		return
	}

	d, err := h.Gate.Submit(c.Request.Context(), gatekeeper.Proposal{
		SeriesSourceID: ss.ID,
		Tier:           ss.Tier,
		Reason:         gatekeeper.ReasonUserRequest,
		Metadata:       gatekeeper.MetadataFor(*ss),
		JobData:        jobs.SyncRequest{Reason: gatekeeper.ReasonUserRequest},
	})
	if err != nil {
		h.Log.Error().Err(err).Str("series_source_id", ss.ID).Msg("submit sync")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enqueue failed"})
		return
	}
	if !d.Allowed {
		c.JSON(http.StatusConflict, d)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

func (h *Handler) loadSource(c *gin.Context) (*models.SeriesSource, bool) {
	ss, err := h.Sources.GetSeriesSource(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return nil, false
	}
	if ss == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return ss, true
}

// listEntries shows library entries by resolution state, e.g.
// ?status=unavailable for the ones that need a manual override.
func (h *Handler) listEntries(c *gin.Context) {
	limit := parseInt(c.Query("limit"), 50)
	offset := parseInt(c.Query("offset"), 0)
	items, total, err := h.Library.List(c.Request.Context(), c.Query("user_id"), c.Query("status"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"items":  items,
	})
}

func (h *Handler) resolve(c *gin.Context) {
	id := c.Param("id")
	entry, err := h.Library.GetEntry(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	out, err := h.Resolver.RetryUser(c.Request.Context(), id)
	switch {
	case errors.Is(err, resolution.ErrEntryBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.Log.Error().Err(err).Str("entry_id", id).Msg("resolve entry")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

type overrideReq struct {
	SeriesID string `json:"series_id"`
}

func (h *Handler) override(c *gin.Context) {
	var req overrideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.SeriesID = strings.TrimSpace(req.SeriesID)
	if req.SeriesID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "series_id required"})
		return
	}

	id := c.Param("id")
	ok, err := h.Library.SetOverride(c.Request.Context(), id, req.SeriesID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.Log.Info().Str("entry_id", id).Str("series_id", req.SeriesID).Str("operator", operator(c)).Msg("manual override set")
	c.JSON(http.StatusOK, gin.H{"entry_id": id, "series_id": req.SeriesID, "metadata_source": models.MetadataSourceUserOverride})
}

func (h *Handler) listFailures(c *gin.Context) {
	limit := parseInt(c.Query("limit"), 50)
	offset := parseInt(c.Query("offset"), 0)
	items, total, err := h.Failures.List(c.Request.Context(), c.Query("job"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"items":  items,
	})
}

func (h *Handler) getFailure(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	f, err := h.Failures.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) deleteFailure(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ok, err := h.Failures.Delete(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// revoke invalidates every token of the calling operator, this one included.
func (h *Handler) revoke(c *gin.Context) {
	name := operator(c)
	version, err := h.Revoker.Revoke(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operator": name, "token_version": version})
}

func operator(c *gin.Context) string {
	if claims := auth.MustGetClaims(c); claims != nil {
		return claims.Operator
	}
	return ""
}

func parseInt(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
