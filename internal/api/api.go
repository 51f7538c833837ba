// Package api exposes the registry, the commit cache and the replicator over HTTP for operators
// and VCS triggers.
package api

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/commits"
	"github.com/qiniu/depotmirror/internal/middleware"
	"github.com/qiniu/depotmirror/internal/objstore"
	"github.com/qiniu/depotmirror/internal/replicator"
	"github.com/qiniu/depotmirror/internal/serverhealth"
)

const (
	defaultCommitCount = 50
	maxCommitCount     = 1000
)

type Registry interface {
	Servers(ctx context.Context) ([]serverhealth.ServerEntry, error)
	SelectServer(ctx context.Context, req serverhealth.SelectRequest) (serverhealth.ServerEntry, error)
}

type CommitCache interface {
	FindCommits(ctx context.Context, streamID string, opts commits.FindOptions) iter.Seq2[*commits.CommitRecord, error]
	RequestRecheck(ctx context.Context, cluster string, changes ...int) error
}

type Replicator interface {
	Replicate(ctx context.Context, streamID string, change int) (objstore.Ref, error)
}

// Deps are the services behind the routes. Replicator is nil when replication is disabled.
type Deps struct {
	Registry     Registry
	Commits      CommitCache
	Replicator   Replicator
	TriggerToken string
}

type Api struct {
	deps Deps
}

func NewApi(router *fox.Engine, deps Deps) *Api {
	api := &Api{deps: deps}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *fox.Engine) {
	router.GET("/-/healthy", func(c *fox.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(c *fox.Context) {
		promhttp.Handler().ServeHTTP(c.Writer, c.Request)
	})

	router.GET("/v1/servers", api.ListServers)
	router.POST("/v1/servers/select", api.SelectServer)
	router.GET("/v1/streams/:stream/commits", api.FindCommits)
	router.POST("/v1/streams/:stream/replicate", api.Replicate)
	router.POST("/v1/triggers/changes", middleware.BearerToken(api.deps.TriggerToken), api.TriggerChanges)
}

func sendError(c *fox.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// sendServiceError maps service errors onto HTTP statuses.
func sendServiceError(c *fox.Context, err error) {
	switch {
	case errors.Is(err, serverhealth.ErrUnknownCluster), errors.Is(err, commits.ErrUnknownCluster):
		sendError(c, http.StatusNotFound, "UNKNOWN_CLUSTER", err.Error())
	case errors.Is(err, commits.ErrUnknownStream), errors.Is(err, replicator.ErrUnknownStream):
		sendError(c, http.StatusNotFound, "UNKNOWN_STREAM", err.Error())
	case errors.Is(err, serverhealth.ErrNoServerAvailable):
		sendError(c, http.StatusServiceUnavailable, "NO_SERVER", err.Error())
	case errors.Is(err, context.Canceled):
		sendError(c, http.StatusServiceUnavailable, "CANCELED", err.Error())
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// ListServers returns the registry snapshot (GET /v1/servers).
func (api *Api) ListServers(c *fox.Context) {
	entries, err := api.deps.Registry.Servers(c.Request.Context())
	if err != nil {
		sendServiceError(c, err)
		return
	}
	if entries == nil {
		entries = []serverhealth.ServerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": entries})
}

type selectRequest struct {
	Key        string   `json:"key"`
	Cluster    string   `json:"cluster" binding:"required"`
	Properties []string `json:"properties"`
	Previous   string   `json:"previous"`
}

// SelectServer picks a server for a caller (POST /v1/servers/select).
func (api *Api) SelectServer(c *fox.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	entry, err := api.deps.Registry.SelectServer(c.Request.Context(), serverhealth.SelectRequest{
		Key:        req.Key,
		Cluster:    req.Cluster,
		Properties: req.Properties,
		Previous:   req.Previous,
	})
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func queryInt(c *fox.Context, name string, def int) (int, error) {
	s := c.Query(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, errors.New("parameter '" + name + "' must be a non-negative integer")
	}
	return v, nil
}

// FindCommits lists stream commits newest first (GET /v1/streams/:stream/commits).
func (api *Api) FindCommits(c *fox.Context) {
	opts := commits.FindOptions{}
	var err error
	if opts.MinChange, err = queryInt(c, "min", 0); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	if opts.MaxChange, err = queryInt(c, "max", 0); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	if opts.MaxResults, err = queryInt(c, "count", defaultCommitCount); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	if opts.MaxResults == 0 || opts.MaxResults > maxCommitCount {
		opts.MaxResults = maxCommitCount
	}
	if tags := c.Query("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Tags = append(opts.Tags, t)
			}
		}
	}

	out := []*commits.CommitRecord{}
	for rec, err := range api.deps.Commits.FindCommits(c.Request.Context(), c.Param("stream"), opts) {
		if err != nil {
			sendServiceError(c, err)
			return
		}
		out = append(out, rec)
	}
	c.JSON(http.StatusOK, gin.H{"commits": out})
}

type replicateRequest struct {
	Change int `json:"change" binding:"required,min=1"`
}

// Replicate mirrors one change of a stream now (POST /v1/streams/:stream/replicate).
func (api *Api) Replicate(c *fox.Context) {
	if api.deps.Replicator == nil {
		sendError(c, http.StatusServiceUnavailable, "REPLICATION_DISABLED", "replication is disabled")
		return
	}
	var req replicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	stream := c.Param("stream")
	ref, err := api.deps.Replicator.Replicate(c.Request.Context(), stream, req.Change)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream, "change": req.Change, "ref": ref})
}

// triggerEvents are the VCS trigger types that may introduce or rewrite changes.
var triggerEvents = map[string]bool{
	"change-commit": true,
	"shelve-commit": true,
	"form-save":     true,
}

type triggerRequest struct {
	Cluster string `json:"cluster" binding:"required"`
	Event   string `json:"event" binding:"required"`
	Changes []int  `json:"changes"`
}

// TriggerChanges queues changes reported by a VCS trigger for a forced re-check
// (POST /v1/triggers/changes).
func (api *Api) TriggerChanges(c *fox.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	if !triggerEvents[req.Event] {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", "unsupported event "+req.Event)
		return
	}
	changes := make([]int, 0, len(req.Changes))
	for _, ch := range req.Changes {
		if ch > 0 {
			changes = append(changes, ch)
		}
	}
	if len(changes) > 0 {
		if err := api.deps.Commits.RequestRecheck(c.Request.Context(), req.Cluster, changes...); err != nil {
			sendServiceError(c, err)
			return
		}
	}
	log.Info().Str("cluster", req.Cluster).Str("event", req.Event).Ints("changes", changes).Msg("trigger received")
	c.JSON(http.StatusAccepted, gin.H{"queued": len(changes)})
}
