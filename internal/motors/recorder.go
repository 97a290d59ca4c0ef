package motors

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrNoSources = errors.New("motor CSV sources not configured")

// Recorder correlates closed shots with motor positions: it loads the
// initial-positions and movement-history CSVs, replays them at a shot's
// trigger time and appends a row to the per-shot positions CSV.
//
// Sources are reloaded when either file's mtime changes, so operators can
// refresh the exports while the engine runs.
type Recorder struct {
	initialPath string
	historyPath string
	outputPath  string
	initialCols InitialColumns
	historyCols HistoryColumns
	log         zerolog.Logger

	mu          sync.Mutex
	initial     map[string]float64
	events      []Event
	initialSeen time.Time
	historySeen time.Time
}

func NewRecorder(initialPath, historyPath, outputPath string, initialCols InitialColumns, historyCols HistoryColumns, log zerolog.Logger) *Recorder {
	return &Recorder{
		initialPath: initialPath,
		historyPath: historyPath,
		outputPath:  outputPath,
		initialCols: initialCols,
		historyCols: historyCols,
		log:         log.With().Str("component", "motor_recorder").Logger(),
	}
}

// Enabled reports whether both CSV sources are configured.
func (r *Recorder) Enabled() bool {
	return r.initialPath != "" && r.historyPath != "" && r.outputPath != ""
}

func (r *Recorder) load(fallbackDate time.Time, force bool) error {
	if !r.Enabled() {
		return ErrNoSources
	}

	initialStat, err := os.Stat(r.initialPath)
	if err != nil {
		return fmt.Errorf("initial positions CSV not found: %w", err)
	}
	historyStat, err := os.Stat(r.historyPath)
	if err != nil {
		return fmt.Errorf("motor history CSV not found: %w", err)
	}

	if !force && r.initial != nil &&
		initialStat.ModTime().Equal(r.initialSeen) &&
		historyStat.ModTime().Equal(r.historySeen) {
		return nil
	}

	initial, axisToMotor, err := ParseInitialPositions(r.initialPath, r.initialCols, r.log)
	if err != nil {
		return err
	}
	events, err := ParseHistory(r.historyPath, r.historyCols, axisToMotor, fallbackDate, r.log)
	if err != nil {
		return err
	}

	r.initial = initial
	r.events = events
	r.initialSeen = initialStat.ModTime()
	r.historySeen = historyStat.ModTime()
	r.log.Info().
		Int("initial_positions", len(initial)).
		Int("events", len(events)).
		Msg("motor data loaded")
	return nil
}

// PositionsAtTrigger returns every known motor's position at t.
func (r *Recorder) PositionsAtTrigger(t time.Time) (map[string]*float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(t, false); err != nil {
		return nil, err
	}
	return PositionsAt(r.initial, r.events, t), nil
}

// RecordShot appends one row to the positions CSV for a closed shot.
// Failures are recoverable: the shot itself is unaffected.
func (r *Recorder) RecordShot(index int, triggerTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(triggerTime, false); err != nil {
		return err
	}
	positions := PositionsAt(r.initial, r.events, triggerTime)
	row := shotRow{index: index, triggerTime: triggerTime, positions: positions}
	if err := appendRow(r.outputPath, row); err != nil {
		return err
	}
	r.log.Info().Int("shot", index).Str("output", r.outputPath).Msg("motor positions recorded")
	return nil
}

// ShotRef identifies one recorded shot for a full recompute.
type ShotRef struct {
	Index       int
	TriggerTime time.Time
}

// RecomputeAll rewrites the positions CSV from scratch for the given
// shots, replaying the freshly reloaded sources for each trigger time.
func (r *Recorder) RecomputeAll(shots []ShotRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(shots) == 0 {
		return errors.New("no shots to recompute")
	}
	if err := r.load(shots[0].TriggerTime, true); err != nil {
		return err
	}

	names := MotorNames(r.initial, r.events)
	rows := make([][]string, 0, len(shots)+1)
	rows = append(rows, append([]string{"shot_number", "trigger_time"}, names...))
	for _, s := range shots {
		positions := PositionsAt(r.initial, r.events, s.TriggerTime)
		rows = append(rows, formatRow(s.Index, s.TriggerTime, names, positions))
	}

	if err := writeCSV(r.outputPath, rows); err != nil {
		return err
	}
	r.log.Info().Int("shots", len(shots)).Str("output", r.outputPath).Msg("motor positions recomputed")
	return nil
}

type shotRow struct {
	index       int
	triggerTime time.Time
	positions   map[string]*float64
}

// appendRow merges the new row into the existing CSV, widening the
// header when the motor set grew since the file was written.
func appendRow(path string, row shotRow) error {
	existingHeader, existingRows, err := readExisting(path)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(row.positions))
	for motor := range row.positions {
		names = append(names, motor)
	}
	if len(existingHeader) > 2 {
		for _, motor := range existingHeader[2:] {
			names = append(names, motor)
		}
	}
	names = dedupeSorted(names)

	header := append([]string{"shot_number", "trigger_time"}, names...)
	rows := [][]string{header}
	for _, old := range existingRows {
		rows = append(rows, remapRow(old, existingHeader, names))
	}
	rows = append(rows, formatRow(row.index, row.triggerTime, names, row.positions))
	return writeCSV(path, rows)
}

func readExisting(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil || len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

func remapRow(old, oldHeader, names []string) []string {
	byCol := make(map[string]string, len(oldHeader))
	for i, col := range oldHeader {
		if i < len(old) {
			byCol[col] = old[i]
		}
	}
	out := []string{byCol["shot_number"], byCol["trigger_time"]}
	for _, motor := range names {
		out = append(out, byCol[motor])
	}
	return out
}

func formatRow(index int, triggerTime time.Time, names []string, positions map[string]*float64) []string {
	out := []string{strconv.Itoa(index), triggerTime.Format("15:04:05")}
	for _, motor := range names {
		val := positions[motor]
		if val == nil {
			out = append(out, "")
			continue
		}
		out = append(out, strconv.FormatFloat(*val, 'g', -1, 64))
	}
	return out
}

func writeCSV(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func dedupeSorted(names []string) []string {
	sort.Strings(names)
	out := names[:0]
	var prev string
	for i, n := range names {
		if i == 0 || n != prev {
			out = append(out, n)
		}
		prev = n
	}
	return out
}
