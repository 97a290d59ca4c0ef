package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shotlog-service/internal/copier"
	"shotlog-service/internal/domain/shot"
	"shotlog-service/internal/matcher"
	"shotlog-service/internal/repository"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotRunning   = errors.New("engine not running")
	ErrConflict     = errors.New("shot number conflict")
)

// ClosedShotListener receives the immutable snapshot of every closed
// shot, synchronously, before the engine discards its state. Listeners
// must not block for long; slow work belongs in their own goroutines.
type ClosedShotListener func(shot.ClosedShot)

// openShot is the single in-flight shot. Ownership is exclusive to the
// engine; everything handed out is a copy.
type openShot struct {
	gen             uint64
	date            string
	index           int
	triggerTime     time.Time
	triggerCameras  []string
	expectedCameras []string
	arrivals        map[string]shot.Arrival
	window          time.Duration
	timeout         time.Duration
}

// Engine is the shot lifecycle controller. It consumes classified file
// events, owns the open shot, drives the window/timeout timers and
// advances the persistent counter on close.
//
// All state mutation happens under mu; file copies run outside the lock
// so a slow disk never stalls event classification.
type Engine struct {
	repo   *repository.ShotRepository
	writer *copier.Writer
	log    zerolog.Logger
	runID  string
	ctx    context.Context

	mu         sync.Mutex
	cfg        shot.Config
	match      *matcher.Matcher
	running    bool
	paused     bool
	state      shot.EngineState
	open       *openShot
	lastClosed *shot.ClosedShot
	listeners  []ClosedShotListener
	timers     timerScheduler
	seen       map[string]time.Time
	nextIdx    map[string]int
	gen        uint64
}

func NewEngine(cfg shot.Config, repo *repository.ShotRepository, writer *copier.Writer, log zerolog.Logger) *Engine {
	runID := uuid.NewString()
	return &Engine{
		repo:    repo,
		writer:  writer,
		log:     log.With().Str("component", "engine").Str("run_id", runID).Logger(),
		runID:   runID,
		ctx:     context.Background(),
		cfg:     cfg,
		match:   matcher.New(cfg),
		state:   shot.StateIdle,
		seen:    make(map[string]time.Time),
		nextIdx: make(map[string]int),
	}
}

// OnShotClosed registers a listener for closed-shot snapshots. Must be
// called before Start.
func (e *Engine) OnShotClosed(fn ClosedShotListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Start enables event processing and resyncs numbering with the clean
// area so a fresh database never renumbers shots already on disk.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.paused = false
	e.state = shot.StateRunning
	expected := e.cfg.ExpectedFolders()
	trigger := e.cfg.TriggerFolders()
	e.mu.Unlock()

	date := shot.DateKey(time.Now())
	if lastIdx, missing, ok := e.writer.LastCleanShot(date, expected); ok {
		if err := e.repo.Advance(e.ctx, date, lastIdx); err != nil {
			e.log.Error().Err(err).Msg("failed to seed counter from clean area")
		} else if len(missing) > 0 {
			e.log.Warn().Str("date", date).Int("shot", lastIdx).Strs("missing", missing).
				Msg("resynced last shot from clean area with missing cameras")
		} else {
			e.log.Info().Str("date", date).Int("shot", lastIdx).
				Msg("resynced last shot from clean area")
		}
	}
	if next, err := e.repo.NextIndex(e.ctx, date); err == nil {
		e.mu.Lock()
		e.nextIdx[date] = next
		e.mu.Unlock()
	}

	e.log.Info().
		Strs("expected", expected).
		Strs("trigger", trigger).
		Msg("engine started")
	return nil
}

// Pause stops new events from being classified. The open shot and its
// armed timers keep running; no new shot may open while paused.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	e.paused = true
	e.state = shot.StatePaused
	e.log.Info().Msg("engine paused")
	return nil
}

// Resume re-enables event processing.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	e.paused = false
	e.state = shot.StateRunning
	e.log.Info().Msg("engine resumed")
	return nil
}

// Stop cancels all timers and discards any open shot without closing or
// emitting it. The counter is left untouched, so an aborted index is
// reissued to the next shot.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.paused = false
	e.state = shot.StateIdle
	aborted := e.open
	e.open = nil
	e.gen++
	e.timers.CancelAll()
	e.mu.Unlock()

	if aborted != nil {
		e.log.Warn().
			Str("date", aborted.date).
			Int("shot", aborted.index).
			Msg("open shot aborted on stop")
	}
	e.log.Info().Msg("engine stopped")
}

// Reconfigure replaces the folder and global configuration. The change
// takes effect for subsequently opened shots only; the currently open
// shot keeps its original expected-camera snapshot and timing.
func (e *Engine) Reconfigure(cfg shot.Config) error {
	if len(cfg.Folders) == 0 {
		return fmt.Errorf("%w: folder set cannot be empty", ErrInvalidInput)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.match = matcher.New(cfg)
	e.mu.Unlock()
	e.log.Info().
		Strs("expected", cfg.ExpectedFolders()).
		Strs("trigger", cfg.TriggerFolders()).
		Msg("configuration updated")
	return nil
}

// SetTiming updates the window and timeout thresholds for shots opened
// from now on.
func (e *Engine) SetTiming(window, timeout time.Duration) error {
	if window <= 0 || timeout <= 0 {
		return fmt.Errorf("%w: window and timeout must be positive", ErrInvalidInput)
	}
	e.mu.Lock()
	e.cfg.Global.FullWindow = window
	e.cfg.Global.Timeout = timeout
	e.mu.Unlock()
	e.log.Info().Dur("full_window", window).Dur("timeout", timeout).Msg("timing updated")
	return nil
}

// SetKeywords updates the global trigger keyword settings.
func (e *Engine) SetKeywords(keyword string, applyToAll bool) {
	e.mu.Lock()
	e.cfg.Global.TriggerKeyword = keyword
	e.cfg.Global.ApplyKeywordToAll = applyToAll
	e.match = matcher.New(e.cfg)
	e.mu.Unlock()
	e.log.Info().Str("keyword", keyword).Bool("apply_to_all", applyToAll).Msg("keyword settings updated")
}

// SetNextIndex proposes the next shot number for a date, refusing on
// numbering conflicts.
func (e *Engine) SetNextIndex(ctx context.Context, date string, proposed int) (shot.ConflictReport, error) {
	report, err := e.repo.SetNextIndex(ctx, date, proposed)
	if err != nil {
		return report, err
	}
	if report.Conflicts() {
		return report, fmt.Errorf("%w: index %d already issued for %s", ErrConflict, proposed, date)
	}
	e.mu.Lock()
	e.nextIdx[date] = proposed
	e.mu.Unlock()
	e.log.Info().Str("date", date).Int("next_index", proposed).Msg("next shot number set")
	return report, nil
}

// HandleFileEvent is the single entry point for filesystem events. It
// tolerates duplicate delivery of the same path and ignores everything
// while paused or stopped.
func (e *Engine) HandleFileEvent(evt shot.FileEvent) {
	e.mu.Lock()
	if !e.running || e.paused {
		e.mu.Unlock()
		return
	}

	if prev, ok := e.seen[evt.Path]; ok && prev.Equal(evt.Time) {
		e.mu.Unlock()
		return
	}
	e.seen[evt.Path] = evt.Time

	m, ok := e.match.Classify(evt.Path)
	if !ok {
		e.mu.Unlock()
		e.log.Debug().Str("path", evt.Path).Msg("unclassified file ignored")
		return
	}

	var job *copyJob
	if e.open == nil {
		if !m.Trigger {
			e.mu.Unlock()
			e.log.Info().Str("path", evt.Path).Str("camera", m.Folder).
				Msg("orphan file, no open shot and not a trigger")
			return
		}
		job = e.openShotLocked(m.Folder, evt)
	} else {
		job = e.recordArrivalLocked(m, evt)
	}
	e.mu.Unlock()

	if job != nil {
		e.runCopy(job)
	}
}

type copyJob struct {
	camera string
	path   string
	time   time.Time
	index  int
}

// openShotLocked transitions Idle -> Open. Caller holds mu.
func (e *Engine) openShotLocked(camera string, evt shot.FileEvent) *copyJob {
	date := shot.DateKey(evt.Time)
	index, err := e.repo.NextIndex(e.ctx, date)
	if err != nil {
		e.state = shot.StateError
		e.log.Error().Err(err).Msg("failed to fetch next shot index")
		return nil
	}

	e.gen++
	s := &openShot{
		gen:             e.gen,
		date:            date,
		index:           index,
		triggerTime:     evt.Time,
		triggerCameras:  []string{camera},
		expectedCameras: e.cfg.ExpectedFolders(),
		arrivals:        map[string]shot.Arrival{camera: {Path: evt.Path, Time: evt.Time}},
		window:          e.cfg.Global.FullWindow,
		timeout:         e.cfg.Global.Timeout,
	}
	e.open = s

	gen := s.gen
	if s.timeout > 0 {
		e.timers.ArmTimeout(s.timeout, func() { e.onTimerFire(gen, true) })
	}
	if s.window > 0 {
		e.timers.ArmOrRearmWindow(s.window, func() { e.onTimerFire(gen, false) })
	}

	e.log.Info().
		Str("date", date).
		Int("shot", index).
		Str("camera", camera).
		Time("trigger_time", evt.Time).
		Msg("new shot opened")
	return &copyJob{camera: camera, path: evt.Path, time: evt.Time, index: index}
}

// recordArrivalLocked handles an event while a shot is open. Caller
// holds mu.
func (e *Engine) recordArrivalLocked(m matcher.Match, evt shot.FileEvent) *copyJob {
	s := e.open
	camera := m.Folder

	if m.Trigger && !containsCamera(s.triggerCameras, camera) {
		// A trigger from another camera merges into the open shot,
		// never opens a second one.
		s.triggerCameras = append(s.triggerCameras, camera)
		e.log.Info().Int("shot", s.index).Str("camera", camera).Msg("trigger merged into open shot")
	}

	if !m.Trigger && !containsCamera(s.expectedCameras, camera) &&
		!containsCamera(e.cfg.TriggerFolders(), camera) {
		e.log.Info().Int("shot", s.index).Str("camera", camera).Str("path", evt.Path).
			Msg("file from non-expected folder ignored")
		return nil
	}

	if _, dup := s.arrivals[camera]; dup {
		e.log.Warn().Int("shot", s.index).Str("camera", camera).Str("path", evt.Path).
			Msg("duplicate arrival for camera discarded")
		return nil
	}

	s.arrivals[camera] = shot.Arrival{Path: evt.Path, Time: evt.Time}
	if s.window > 0 {
		gen := s.gen
		e.timers.ArmOrRearmWindow(s.window, func() { e.onTimerFire(gen, false) })
	}

	e.log.Info().
		Int("shot", s.index).
		Str("camera", camera).
		Str("path", evt.Path).
		Msg("arrival recorded")
	return &copyJob{camera: camera, path: evt.Path, time: evt.Time, index: s.index}
}

// runCopy performs the clean copy outside the engine lock. The arrival
// is already recorded, so completeness reflects detection regardless of
// the copy outcome.
func (e *Engine) runCopy(job *copyJob) {
	if _, err := e.writer.Write(job.camera, job.path, job.time, job.index); err != nil {
		e.log.Error().Err(err).Str("camera", job.camera).Int("shot", job.index).Msg("clean copy failed")
	}
}

// onTimerFire closes the open shot when the firing timer still belongs
// to it. Stale fires from a previous shot generation are ignored.
func (e *Engine) onTimerFire(gen uint64, timedOut bool) {
	e.mu.Lock()
	if e.open == nil || e.open.gen != gen {
		e.mu.Unlock()
		return
	}
	closed := e.closeLocked(timedOut)
	e.mu.Unlock()

	e.notifyListeners(closed)
}

// closeLocked transitions Open -> Idle, advances the counter and builds
// the immutable snapshot. Caller holds mu.
func (e *Engine) closeLocked(timedOut bool) shot.ClosedShot {
	s := e.open
	e.open = nil
	e.timers.CancelAll()

	files := make(map[string]shot.Arrival, len(s.arrivals))
	for cam, arr := range s.arrivals {
		files[cam] = arr
	}
	var missing []string
	for _, cam := range s.expectedCameras {
		if _, ok := files[cam]; !ok {
			missing = append(missing, cam)
		}
	}

	e.nextIdx[s.date] = s.index + 1
	e.pruneSeenLocked(s)

	closed := shot.ClosedShot{
		Date:            s.date,
		Index:           s.index,
		TriggerTime:     s.triggerTime,
		TriggerCameras:  append([]string(nil), s.triggerCameras...),
		ExpectedCameras: append([]string(nil), s.expectedCameras...),
		Files:           files,
		Missing:         missing,
		TimedOut:        timedOut,
	}
	e.lastClosed = &closed

	if err := e.repo.Advance(e.ctx, s.date, s.index); err != nil {
		e.state = shot.StateError
		e.log.Error().Err(err).Str("date", s.date).Int("shot", s.index).
			Msg("failed to advance shot counter")
	}

	if len(missing) > 0 {
		e.state = shot.StateError
		e.log.Warn().
			Str("date", s.date).
			Int("shot", s.index).
			Strs("expected", s.expectedCameras).
			Strs("missing", missing).
			Bool("timed_out", timedOut).
			Msg("shot closed with missing cameras")
	} else {
		if e.running && !e.paused {
			e.state = shot.StateRunning
		}
		e.log.Info().
			Str("date", s.date).
			Int("shot", s.index).
			Strs("expected", s.expectedCameras).
			Msg("shot closed, all cameras present")
	}
	return closed
}

// pruneSeenLocked drops dedup entries older than the closed shot's
// timing horizon. Duplicate delivery only matters within a shot's
// lifetime, and the map must not grow unbounded over a long-running
// daemon. Caller holds mu.
func (e *Engine) pruneSeenLocked(s *openShot) {
	horizon := s.timeout
	if s.window > horizon {
		horizon = s.window
	}
	if horizon <= 0 {
		return
	}
	cutoff := time.Now().Add(-horizon)
	for path, ts := range e.seen {
		if ts.Before(cutoff) {
			delete(e.seen, path)
		}
	}
}

// notifyListeners runs outside mu; snapshots are immutable copies.
func (e *Engine) notifyListeners(closed shot.ClosedShot) {
	e.mu.Lock()
	listeners := append([]ClosedShotListener(nil), e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(closed)
	}
}

// Status returns a point-in-time snapshot for API and UI consumers. It
// never blocks on IO.
func (e *Engine) Status() shot.StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	activeDate := shot.DateKey(time.Now())
	if e.open != nil {
		activeDate = e.open.date
	} else if e.lastClosed != nil {
		activeDate = e.lastClosed.Date
	}

	snap := shot.StatusSnapshot{
		RunID:          e.runID,
		State:          e.state,
		ShotOpen:       e.open != nil,
		ActiveDate:     activeDate,
		FullWindow:     e.cfg.Global.FullWindow,
		Timeout:        e.cfg.Global.Timeout,
		TriggerKeyword: e.cfg.Global.TriggerKeyword,
	}

	if e.open != nil {
		s := e.open
		var present, waiting []string
		for _, cam := range s.expectedCameras {
			if _, ok := s.arrivals[cam]; ok {
				present = append(present, cam)
			} else {
				waiting = append(waiting, cam)
			}
		}
		snap.OpenShot = &shot.OpenShotStatus{
			Date:        s.date,
			Index:       s.index,
			TriggerTime: s.triggerTime,
			Present:     present,
			WaitingFor:  waiting,
		}
		snap.NextShotIndex = s.index + 1
	} else if next, ok := e.nextIdx[activeDate]; ok {
		snap.NextShotIndex = next
	} else {
		snap.NextShotIndex = 1
	}

	if e.lastClosed != nil {
		last := *e.lastClosed
		snap.LastClosed = &last
	}
	return snap
}

func containsCamera(list []string, camera string) bool {
	for _, c := range list {
		if c == camera {
			return true
		}
	}
	return false
}
