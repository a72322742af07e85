// Package statusapi serves fetcher diagnostics over HTTP and takes load
// reports from the execution engine.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/bftkit/statetransfer/fetcher"
	"github.com/bftkit/statetransfer/provenance"
)

const (
	defaultLimit = 20
	maxLimit     = 1000
)

// Source is what the API reports on; *fetcher.Fetcher implements it
type Source interface {
	Snapshot() fetcher.Snapshot
	Store() provenance.Store
}

// LoadSink takes the execution load the adaptive pruning rate is computed
// from; *resources.Counters implements it
type LoadSink interface {
	AddTransactions(n uint64)
	SetPostExecutionUtilization(v uint64)
	SetPruningUtilization(v uint64)
	SetPruningAvgTime(d time.Duration)
}

type Option func(*Server)

// WithLoad enables POST /load
func WithLoad(sink LoadSink) Option {
	return func(s *Server) {
		s.load = sink
	}
}

type Server struct {
	src    Source
	load   LoadSink
	listen string
	log    *slog.Logger
	e      *echo.Echo
}

func New(src Source, listen string, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		src:    src,
		listen: listen,
		log:    log.WithGroup("statusapi"),
	}
	for _, o := range opts {
		o(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware("bcst-replica"))
	e.Use(slogecho.New(s.log))

	e.GET("/status", s.status)
	e.GET("/sessions", s.sessions)
	e.GET("/sessions/:id", s.session)
	if s.load != nil {
		e.POST("/load", s.reportLoad)
	}

	s.e = e
	return s
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.e
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "status api listening", "listen", s.listen)
		errCh <- s.e.Start(s.listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.src.Snapshot())
}

func (s *Server) sessions(c echo.Context) error {
	limit := defaultLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = min(n, maxLimit)
	}

	sessions, err := s.src.Store().Recent(c.Request().Context(), limit)
	if err != nil {
		s.log.ErrorContext(c.Request().Context(), "recent sessions", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if sessions == nil {
		sessions = []provenance.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) session(c echo.Context) error {
	id, err := ulid.ParseStrict(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}

	sess, err := s.src.Store().Get(c.Request().Context(), id)
	if errors.Is(err, provenance.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		s.log.ErrorContext(c.Request().Context(), "get session", "id", id.String(), "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, sess)
}

// LoadReport is the body of POST /load. Transactions accumulate; the other
// fields replace the current value when present.
type LoadReport struct {
	Transactions             uint64  `json:"transactions"`
	PostExecutionUtilization *uint64 `json:"post_execution_utilization,omitempty"`
	PruningUtilization       *uint64 `json:"pruning_utilization,omitempty"`
	PruningAvgTimeMicro      *uint64 `json:"pruning_avg_time_us,omitempty"`
}

func (s *Server) reportLoad(c echo.Context) error {
	var r LoadReport
	if err := c.Bind(&r); err != nil {
		return err
	}

	s.load.AddTransactions(r.Transactions)
	if r.PostExecutionUtilization != nil {
		s.load.SetPostExecutionUtilization(*r.PostExecutionUtilization)
	}
	if r.PruningUtilization != nil {
		s.load.SetPruningUtilization(*r.PruningUtilization)
	}
	if r.PruningAvgTimeMicro != nil {
		s.load.SetPruningAvgTime(time.Duration(*r.PruningAvgTimeMicro) * time.Microsecond)
	}
	return c.NoContent(http.StatusNoContent)
}
