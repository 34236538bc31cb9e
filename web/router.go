package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/mammutfed/mammut/activitypub"
	"github.com/mammutfed/mammut/blobstore"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/util"
	"golang.org/x/time/rate"
)

const apContentType = "application/activity+json; charset=utf-8"

// Server wires the HTTP surface to the federation engine.
type Server struct {
	DB        *db.DB
	Conf      *util.AppConfig
	Processor *activitypub.Processor
	Blobs     *blobstore.Store

	log *log.Logger
}

func NewServer(database *db.DB, processor *activitypub.Processor, blobs *blobstore.Store, conf *util.AppConfig) *Server {
	return &Server{
		DB:        database,
		Conf:      conf,
		Processor: processor,
		Blobs:     blobs,
		log:       log.WithPrefix("web"),
	}
}

// Router builds the gin engine with all federation endpoints.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limit: 10 req/sec per IP, burst of 20.
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter budget for inbox delivery, plus a 1MB body cap.
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, s.handleInbox)
	g.POST("/users/:actor/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, s.handleActorInbox)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/followers", s.handleFollowers)
	g.GET("/users/:actor/following", s.handleFollowing)
	g.GET("/users/:actor/outbox", s.handleOutbox)
	g.GET("/notes/:id", s.handleNote)
	g.GET("/attachments/:hash", s.handleAttachment)

	return g
}

// Run serves the router until the listener fails.
func (s *Server) Run() error {
	s.log.Info("starting federation server", "host", s.Conf.Conf.Host, "port", s.Conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.Conf.Conf.HttpPort))
}

// handleInbox is the shared inbox. A single-actor server routes every
// delivery to the same pipeline, so no addressing inspection is needed.
func (s *Server) handleInbox(c *gin.Context) {
	s.ingest(c)
}

func (s *Server) handleActorInbox(c *gin.Context) {
	if !s.isLocalActor(c.Param("actor")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
		return
	}
	s.ingest(c)
}

// ingest runs the inbound pipeline and maps its typed errors to HTTP
// statuses. Blocked and unknown-reference drops return the same 202 as
// success so a sender can never observe block state.
func (s *Server) ingest(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	err = s.Processor.Ingest(body, c.Request)
	switch {
	case err == nil,
		errors.Is(err, activitypub.ErrBlocked),
		errors.Is(err, activitypub.ErrUnknownReference):
		c.Status(http.StatusAccepted)
	case errors.Is(err, activitypub.ErrAuthenticationFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Signature verification failed"})
	case errors.Is(err, activitypub.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed activity"})
	default:
		s.log.Error("inbox processing failed", "err", err)
		c.Status(http.StatusInternalServerError)
	}
}

func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")

	resource := c.Query("resource")
	if len(resource) < 6 || resource[:5] != "acct:" {
		c.Render(http.StatusNotFound, render.String{Format: GetWebFingerNotFound()})
		return
	}
	user := resource[5:]
	suffix := fmt.Sprintf("@%s", s.Conf.Conf.SslDomain)
	if len(user) > len(suffix) && user[len(user)-len(suffix):] == suffix {
		user = user[:len(user)-len(suffix)]
	}

	err, resp := GetWebfinger(s.DB, user, s.Conf)
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: GetWebFingerNotFound()})
		return
	}
	c.Render(http.StatusOK, render.String{Format: resp})
}

func (s *Server) handleActor(c *gin.Context) {
	c.Header("Content-Type", apContentType)
	err, actor := GetActor(s.DB, c.Param("actor"), s.Conf)
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: "{}"})
		return
	}
	c.Render(http.StatusOK, render.String{Format: actor})
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.renderFollowCollection(c, followers)
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.renderFollowCollection(c, following)
}

func (s *Server) renderFollowCollection(c *gin.Context, act action) {
	c.Header("Content-Type", apContentType)
	err, acc := s.DB.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: "{}"})
		return
	}
	err, coll := GetFollowCollection(s.DB, acc, s.Conf, act)
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: "{}"})
		return
	}
	c.Render(http.StatusOK, render.String{Format: coll})
}

func (s *Server) handleOutbox(c *gin.Context) {
	c.Header("Content-Type", apContentType)
	if !s.isLocalActor(c.Param("actor")) {
		c.Render(http.StatusNotFound, render.String{Format: "{}"})
		return
	}
	doc := fmt.Sprintf(`{"@context":"https://www.w3.org/ns/activitystreams","id":"https://%s/users/%s/outbox","type":"OrderedCollection","totalItems":0}`,
		s.Conf.Conf.SslDomain, c.Param("actor"))
	c.Render(http.StatusOK, render.String{Format: doc})
}

func (s *Server) handleNote(c *gin.Context) {
	c.Header("Content-Type", apContentType)

	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid note ID"})
		return
	}

	err, note := GetNoteObject(s.DB, noteId, s.Conf)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	c.Render(http.StatusOK, render.String{Format: note})
}

func (s *Server) handleAttachment(c *gin.Context) {
	if s.Blobs == nil {
		c.Status(http.StatusNotFound)
		return
	}
	content, contentType, err := s.Blobs.Get(c.Param("hash"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// Content is immutable by construction: the hash is the identity.
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, contentType, content)
}

func (s *Server) isLocalActor(username string) bool {
	if username == "" {
		return false
	}
	err, acc := s.DB.ReadAccByUsername(username)
	return err == nil && acc != nil
}
