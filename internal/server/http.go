// Package server exposes the frame index and chunk store over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/franz/screen-recall/internal/chunkstore"
	"github.com/franz/screen-recall/internal/report"
	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

type Server struct {
	db     *store.Manager
	frames *store.Frames
	chunks *chunkstore.Store
	events *report.EventLogger
	engine *gin.Engine
}

// New builds the router. events may be nil.
func New(db *store.Manager, frames *store.Frames, chunks *chunkstore.Store, events *report.EventLogger) *Server {
	if !util.IsVerbose() {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		db:     db,
		frames: frames,
		chunks: chunks,
		events: events,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLog())

	s.engine.GET("/health", s.health)
	s.engine.GET("/frames/:id", s.frame)
	s.engine.GET("/frames/:id/image", s.frameImage)
	s.engine.GET("/chunks/quarantine", s.quarantined)
	s.engine.DELETE("/chunks/quarantine", s.purge)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := http.Server{
		Handler:           s.engine,
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.Logger().Info().Str("addr", addr).Msg("start http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	util.Logger().Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.Logger().Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, util.ErrQuarantined):
		return http.StatusConflict
	case errors.Is(err, util.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch util.KindOf(err) {
	case util.KindCorruption:
		return http.StatusConflict
	case util.KindNotReady:
		return http.StatusServiceUnavailable
	case util.KindTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		util.Logger().Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: util.KindOf(err).String()})
}

func frameID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "invalid frame id"})
		return 0, false
	}
	return id, true
}

func (s *Server) health(c *gin.Context) {
	resp := healthResponse{
		Status:      "ok",
		User:        s.db.Layout().UserName(),
		Generation:  s.db.Generation(),
		Quarantined: len(s.chunks.Quarantined()),
	}
	entries, size := s.chunks.CacheStats()
	resp.CacheEntries = entries
	resp.CacheBytes = size

	db, err := s.db.Handle()
	if err == nil {
		err = db.PingContext(c.Request.Context())
	}
	if err != nil {
		resp.Status = "not_ready"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) frame(c *gin.Context) {
	id, ok := frameID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := s.frames.GetFrame(ctx, id)
	if err != nil {
		abortWith(c, err)
		return
	}

	resp := newFrameResponse(rec)
	resp.Quarantined = s.chunks.IsQuarantined(rec.ChunkPath)
	text, err := s.frames.Text(ctx, id)
	switch {
	case err == nil:
		resp.Text = text
	case !errors.Is(err, util.ErrNotFound):
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) frameImage(c *gin.Context) {
	id, ok := frameID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := s.frames.GetFrame(ctx, id)
	if err != nil {
		abortWith(c, err)
		return
	}
	img, err := s.chunks.LoadFrame(ctx, rec.ChunkPath, rec.Offset)
	if err != nil {
		abortWith(c, err)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		abortWith(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) quarantined(c *gin.Context) {
	c.JSON(http.StatusOK, quarantineResponse{Chunks: s.chunks.Quarantined()})
}

func (s *Server) purge(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}
	deleteFile := false
	if v := c.Query("delete_file"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "delete_file must be a boolean"})
			return
		}
		deleteFile = b
	}

	rows, err := s.chunks.PurgeQuarantined(c.Request.Context(), path, deleteFile)
	if err != nil {
		abortWith(c, err)
		return
	}
	s.events.LogPurge(path, rows, deleteFile)
	c.JSON(http.StatusOK, purgeResponse{Path: path, RowsDeleted: rows, FileDeleted: deleteFile})
}
