// Package api provides the HTTP handlers for running backtests, querying
// stored runs and managing the observation history.
//
// Balances in responses use shopspring/decimal strings; performance
// metrics are plain floats.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/launcher"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/observation"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/strategy"
)

// Service runs backtests on request. Each run builds its own engines, so
// requests need no serialization.
type Service struct {
	catalog        *strategy.Catalog
	store          store.Store
	observations   *observation.Storage // optional
	hub            *WSHub               // optional
	workers        int
	periodsPerYear float64
	windowSize     int
	stepSize       int
	log            *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithObservations enables stored-range runs and the observation
// endpoints.
func WithObservations(st *observation.Storage) Option {
	return func(s *Service) { s.observations = st }
}

// WithHub broadcasts finished runs.
func WithHub(h *WSHub) Option {
	return func(s *Service) { s.hub = h }
}

// WithWorkers bounds concurrent trajectories per run. Non-positive
// values keep the launcher default.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

// WithPeriodsPerYear sets the annualization factor for metrics.
func WithPeriodsPerYear(ppy float64) Option {
	return func(s *Service) { s.periodsPerYear = ppy }
}

// WithWindow sets the default scenario window and step.
func WithWindow(size, step int) Option {
	return func(s *Service) { s.windowSize, s.stepSize = size, step }
}

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a backtest service.
func NewService(cat *strategy.Catalog, st store.Store, opts ...Option) *Service {
	s := &Service{
		catalog:        cat,
		store:          st,
		periodsPerYear: engine.DefaultPeriodsPerYear,
		windowSize:     launcher.DefaultWindowSize,
		stepSize:       launcher.DefaultStepSize,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts the handlers on r. The hub's websocket route is mounted
// separately.
func (s *Service) Routes(r chi.Router) {
	r.Get("/strategies", s.ListStrategies)

	r.Get("/runs", s.ListRuns)
	r.Post("/runs", s.CreateRun)
	r.Get("/runs/{runID}", s.GetRun)
	r.Get("/runs/{runID}/rows", s.GetRows)

	r.Get("/observations", s.ReadObservations)
	r.Post("/observations", s.WriteObservations)
	r.Get("/observations/stats", s.ObservationStats)
}

// --- Request/Response types ---

// RunRequest is the JSON body for POST /runs. Exactly one observation
// source must be given: Observations, Trajectories, or a stored range
// through From and To. A window or step size over a single sequence
// selects scenario mode.
type RunRequest struct {
	Strategy     string                   `json:"strategy"`
	Params       map[string]any           `json:"params"`
	Observations []observation.Snapshot   `json:"observations,omitempty"`
	Trajectories [][]observation.Snapshot `json:"trajectories,omitempty"`
	From         *time.Time               `json:"from,omitempty"`
	To           *time.Time               `json:"to,omitempty"`
	WindowSize   int                      `json:"window_size,omitempty"`
	StepSize     int                      `json:"step_size,omitempty"`
	Record       bool                     `json:"record,omitempty"` // store inline observations as they are consumed
}

func (req *RunRequest) ranged() bool { return req.From != nil || req.To != nil }

func (req *RunRequest) mode() string {
	switch {
	case len(req.Trajectories) > 0:
		return model.ModeTrajectories
	case req.WindowSize > 0 || req.StepSize > 0:
		return model.ModeScenario
	default:
		return model.ModeSingle
	}
}

func (req *RunRequest) validate() error {
	sources := 0
	if len(req.Observations) > 0 {
		sources++
	}
	if len(req.Trajectories) > 0 {
		sources++
	}
	if req.ranged() {
		sources++
	}
	switch {
	case req.Strategy == "":
		return errors.New("strategy is required")
	case sources == 0:
		return errors.New("one of observations, trajectories or from/to is required")
	case sources > 1:
		return errors.New("observations, trajectories and from/to are mutually exclusive")
	case len(req.Trajectories) > 0 && (req.WindowSize > 0 || req.StepSize > 0):
		return errors.New("window_size and step_size apply to a single sequence")
	case req.WindowSize < 0 || req.StepSize < 0:
		return errors.New("window_size and step_size must not be negative")
	}
	return nil
}

// WriteObservationsResponse is returned from POST /observations.
type WriteObservationsResponse struct {
	Written int `json:"written"`
}

// --- HTTP Handlers ---

// ListStrategies handles GET /api/v1/strategies
func (s *Service) ListStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List())
}

// CreateRun handles POST /api/v1/runs
// Runs the backtest synchronously and returns the persisted run. A run
// whose engine fails is still persisted with status "failed" and
// returned with 422.
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ranged() && s.observations == nil {
		writeError(w, "observation storage is not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	opts := []engine.Option{
		engine.WithLogger(s.log),
		engine.WithActionHook(metrics.ActionHook),
	}
	if req.Record && s.observations != nil && !req.ranged() {
		opts = append(opts, engine.WithRecorder(s.observations))
	}
	factory, err := s.catalog.Factory(req.Strategy, req.Params, s.log, opts...)
	switch {
	case errors.Is(err, strategy.ErrUnknownStrategy):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Observations are typed by the entities the strategy registers.
	template, err := factory()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sequences := req.Trajectories
	if len(req.Observations) > 0 {
		sequences = [][]observation.Snapshot{req.Observations}
	}
	if req.ranged() {
		var from, to time.Time
		if req.From != nil {
			from = *req.From
		}
		if req.To != nil {
			to = *req.To
		}
		snaps, err := s.observations.Read(ctx, from, to)
		if err != nil {
			s.log.Error("reading observations failed", zap.Error(err))
			writeError(w, "failed to read observations", http.StatusInternalServerError)
			return
		}
		if len(snaps) == 0 {
			writeError(w, "no stored observations in range", http.StatusNotFound)
			return
		}
		sequences = [][]observation.Snapshot{snaps}
	}
	decoded := make([][]engine.Observation, len(sequences))
	for i, seq := range sequences {
		if decoded[i], err = observation.Decode(template, seq); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	l, err := launcher.New(factory, launcher.WithWorkers(s.workers), launcher.WithLogger(s.log))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	run := &model.Run{
		ID:           uuid.New().String(),
		Strategy:     req.Strategy,
		Params:       req.Params,
		Mode:         req.mode(),
		Status:       model.StatusCompleted,
		Observations: len(decoded[0]),
		CreatedAt:    time.Now().UTC(),
	}

	start := time.Now()
	var results []*engine.Result
	switch run.Mode {
	case model.ModeSingle:
		var res *engine.Result
		res, err = l.Run(decoded[0])
		if res != nil {
			results = []*engine.Result{res}
		}
	case model.ModeTrajectories:
		results, err = l.RunTrajectories(ctx, decoded)
	case model.ModeScenario:
		window, step := req.WindowSize, req.StepSize
		if window <= 0 {
			window = s.windowSize
		}
		if step <= 0 {
			step = s.stepSize
		}
		results, err = l.RunScenario(ctx, decoded[0], window, step)
	}
	elapsed := time.Since(start)
	run.DurationMS = elapsed.Milliseconds()
	if err != nil {
		run.Status = model.StatusFailed
		run.Error = err.Error()
	}

	var rows []model.RunRow
	var valid []engine.Metrics
	ticks := 0
	for i, res := range results {
		// Trajectories that never started after a failure have no result.
		if res == nil {
			continue
		}
		tr := model.TrajectoryResult{Index: i, Rows: len(res.Rows), Digest: res.Digest()}
		if n := len(res.Rows); n > 0 {
			tr.FinalBalance = res.Rows[n-1].NetBalance()
		}
		// Too-short trajectories keep zero metrics and stay out of the summary.
		if m, err := res.Metrics(s.periodsPerYear); err == nil {
			tr.Metrics = m
			valid = append(valid, m)
		}
		run.Results = append(run.Results, tr)
		rows = append(rows, model.RowsFromResult(run.ID, i, res)...)
		ticks += len(res.Rows)
	}
	run.Summary = launcher.Summarize(valid)

	if err := s.store.CreateRun(ctx, run); err != nil {
		s.log.Error("persisting run failed", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, "failed to persist run", http.StatusInternalServerError)
		return
	}
	if len(rows) > 0 {
		if err := s.store.InsertRows(ctx, run.ID, rows); err != nil {
			s.log.Error("persisting rows failed", zap.String("run_id", run.ID), zap.Error(err))
			writeError(w, "failed to persist rows", http.StatusInternalServerError)
			return
		}
	}
	metrics.ObserveRun(run.Strategy, run.Status, len(results), ticks, elapsed)

	s.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("strategy", run.Strategy),
		zap.String("mode", run.Mode),
		zap.String("status", run.Status),
		zap.Int("trajectories", len(results)),
		zap.Int("ticks", ticks),
		zap.Duration("elapsed", elapsed),
	)

	if s.hub != nil {
		msg := WSMessage{
			Type:         "run_completed",
			RunID:        run.ID,
			Strategy:     run.Strategy,
			Mode:         run.Mode,
			Status:       run.Status,
			Trajectories: len(run.Results),
			Error:        run.Error,
		}
		if len(run.Results) > 0 {
			msg.FinalBalance = run.Results[0].FinalBalance.String()
		}
		s.hub.Broadcast(msg)
	}

	status := http.StatusCreated
	if run.Status == model.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, run)
}

// ListRuns handles GET /api/v1/runs
// Returns runs newest first, optionally filtered by ?strategy=<name>.
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRows handles GET /api/v1/runs/{runID}/rows
// Returns one trajectory's rows, selected by ?trajectory=<index> (default 0).
func (s *Service) GetRows(w http.ResponseWriter, r *http.Request) {
	trajectory := 0
	if raw := r.URL.Query().Get("trajectory"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "trajectory must be a non-negative integer", http.StatusBadRequest)
			return
		}
		trajectory = n
	}
	rows, err := s.store.GetRows(r.Context(), chi.URLParam(r, "runID"), trajectory)
	if err != nil {
		s.storeError(w, err, "failed to load rows")
		return
	}
	if rows == nil {
		rows = []model.RunRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// WriteObservations handles POST /api/v1/observations
// Accepts a JSON array of records and upserts them in one transaction.
func (s *Service) WriteObservations(w http.ResponseWriter, r *http.Request) {
	if s.observations == nil {
		writeError(w, "observation storage is not configured", http.StatusServiceUnavailable)
		return
	}
	var batch []observation.Record
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, rec := range batch {
		if rec.Entity == "" || len(bytes.TrimSpace(rec.State)) == 0 {
			writeError(w, "every record needs an entity and a state", http.StatusBadRequest)
			return
		}
	}
	n, err := s.observations.Write(r.Context(), batch)
	if err != nil {
		s.log.Error("writing observations failed", zap.Error(err))
		writeError(w, "failed to write observations", http.StatusInternalServerError)
		return
	}
	metrics.ObservationsWritten.Add(float64(n))
	writeJSON(w, http.StatusCreated, WriteObservationsResponse{Written: n})
}

// ReadObservations handles GET /api/v1/observations
// Returns stored snapshots, optionally bounded by ?from= and ?to= (RFC 3339).
func (s *Service) ReadObservations(w http.ResponseWriter, r *http.Request) {
	if s.observations == nil {
		writeError(w, "observation storage is not configured", http.StatusServiceUnavailable)
		return
	}
	var bounds [2]time.Time
	for i, key := range []string{"from", "to"} {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, key+" must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		bounds[i] = t
	}
	snaps, err := s.observations.Read(r.Context(), bounds[0], bounds[1])
	if err != nil {
		s.log.Error("reading observations failed", zap.Error(err))
		writeError(w, "failed to read observations", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []observation.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// ObservationStats handles GET /api/v1/observations/stats
func (s *Service) ObservationStats(w http.ResponseWriter, r *http.Request) {
	if s.observations == nil {
		writeError(w, "observation storage is not configured", http.StatusServiceUnavailable)
		return
	}
	st, err := s.observations.Stats(r.Context())
	if err != nil {
		writeError(w, "failed to read observation stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	s.log.Error(message, zap.Error(err))
	writeError(w, message, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
