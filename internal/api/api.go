// Package api serves a read-only status view of the bot over HTTP: the
// command table, running prompts, command usage and storage statistics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/prompt"
)

// StatsFunc reports storage statistics. It may be nil.
type StatsFunc func() map[string]any

// CommandInfo is the JSON view of a registered command.
type CommandInfo struct {
	ID          string   `json:"id"`
	Aliases     []string `json:"aliases,omitempty"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Usage       string   `json:"usage,omitempty"`
	Scope       string   `json:"scope"`
	Cooldown    string   `json:"cooldown,omitempty"`
}

// Server exposes the status endpoints.
type Server struct {
	commands cmd.Table
	prompts  *prompt.Registry
	stats    StatsFunc
	usage    *Usage
	log      zerolog.Logger
	started  time.Time
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithUsage serves u on /usage.
func WithUsage(u *Usage) Option {
	return func(s *Server) { s.usage = u }
}

// New builds the router. prompts and stats may be nil.
func New(commands cmd.Table, prompts *prompt.Registry, stats StatsFunc, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		commands: commands,
		prompts:  prompts,
		stats:    stats,
		log:      log,
		started:  time.Now(),
	}
	for _, o := range opts {
		o(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog)
	r.GET("/healthz", s.health)
	r.GET("/commands", s.listCommands)
	r.GET("/commands/:name", s.getCommand)
	r.GET("/prompts", s.listPrompts)
	r.DELETE("/prompts/:user", s.cancelPrompts)
	r.GET("/stats", s.storageStats)
	r.GET("/usage", s.commandUsage)
	s.engine = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("status api listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down status api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("api request")
}

func (s *Server) health(c *gin.Context) {
	running := 0
	if s.prompts != nil {
		running = s.prompts.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.started).Truncate(time.Second).String(),
		"commands": len(s.commands.All()),
		"prompts":  running,
	})
}

func (s *Server) listCommands(c *gin.Context) {
	cmds := s.commands.All()
	out := make([]CommandInfo, 0, len(cmds))
	for _, cm := range cmds {
		out = append(out, commandInfo(cm))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getCommand(c *gin.Context) {
	cm := s.commands.Get(c.Param("name"))
	if cm == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown command"})
		return
	}
	c.JSON(http.StatusOK, commandInfo(cm))
}

func (s *Server) listPrompts(c *gin.Context) {
	if s.prompts == nil {
		c.JSON(http.StatusOK, []prompt.Snapshot{})
		return
	}
	c.JSON(http.StatusOK, s.prompts.Snapshots())
}

func (s *Server) cancelPrompts(c *gin.Context) {
	if s.prompts == nil {
		c.JSON(http.StatusOK, gin.H{"cancelled": 0})
		return
	}
	n := s.prompts.Cancel(c.Request.Context(), c.Param("user"))
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) storageStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage backend has no stats"})
		return
	}
	c.JSON(http.StatusOK, s.stats())
}

func (s *Server) commandUsage(c *gin.Context) {
	if s.usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage is not tracked"})
		return
	}
	c.JSON(http.StatusOK, s.usage.Report())
}

func commandInfo(c *cmd.Command) CommandInfo {
	info := CommandInfo{
		ID:          c.ID,
		Aliases:     c.Aliases,
		Category:    c.Category,
		Description: c.Description,
		Usage:       c.Usage,
		Scope:       c.Scope.String(),
	}
	if c.Cooldown != nil {
		info.Cooldown = c.Cooldown.Length().String()
	}
	return info
}
