package motors

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrMissingColumn = errors.New("missing column")

// InitialColumns names the columns of the initial-positions CSV. Motor
// and Position are required; Axis is optional and enables mapping the
// history file's axis identifiers back to motor names.
type InitialColumns struct {
	Motor    string `mapstructure:"motor"`
	Axis     string `mapstructure:"axis"`
	Position string `mapstructure:"position"`
}

// HistoryColumns names the columns of the movement-history CSV. Time,
// Motor and NewPos are required; OldPos is optional.
type HistoryColumns struct {
	Time   string `mapstructure:"time"`
	Motor  string `mapstructure:"motor"`
	OldPos string `mapstructure:"old_pos"`
	NewPos string `mapstructure:"new_pos"`
}

type header map[string]int

func indexHeader(cols []string) header {
	h := make(header, len(cols))
	for i, col := range cols {
		h[strings.ToLower(strings.TrimSpace(col))] = i
	}
	return h
}

func (h header) index(name string) (int, bool) {
	i, ok := h[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}

func (h header) require(name, role string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: no column configured for %s", ErrMissingColumn, role)
	}
	i, ok := h.index(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q (%s) not present in header", ErrMissingColumn, name, role)
	}
	return i, nil
}

func readAll(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = detectDelimiter(path)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader.ReadAll()
}

// detectDelimiter looks at the first line for semicolon or tab separated
// files; comma is the default.
func detectDelimiter(path string) rune {
	data, err := os.ReadFile(path)
	if err != nil {
		return ','
	}
	line := string(data)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	switch {
	case strings.Count(line, ";") > strings.Count(line, ","):
		return ';'
	case strings.Count(line, "\t") > strings.Count(line, ","):
		return '\t'
	}
	return ','
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil
	}
	return &v
}

var timeOnlyRe = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}$`)

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
}

// parseTimestamp accepts the datetime layouts seen in motor exports plus
// bare HH:MM:SS values, which are anchored to fallbackDate and flagged.
func parseTimestamp(value string, fallbackDate time.Time) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, errors.New("empty timestamp")
	}
	if timeOnlyRe.MatchString(value) {
		t, err := time.Parse("15:04:05", value)
		if err != nil {
			return time.Time{}, false, err
		}
		anchored := time.Date(fallbackDate.Year(), fallbackDate.Month(), fallbackDate.Day(),
			t.Hour(), t.Minute(), t.Second(), 0, time.Local)
		return anchored, true, nil
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable timestamp %q", value)
}

// ParseInitialPositions reads the initial-positions CSV. Rows with a
// missing motor name or an unparseable position are skipped with a
// warning. Returns the positions and the axis-to-motor mapping (empty
// when no axis column is configured).
func ParseInitialPositions(path string, cols InitialColumns, log zerolog.Logger) (map[string]float64, map[string]string, error) {
	rows, err := readAll(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read initial positions CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("initial positions CSV has no header")
	}

	h := indexHeader(rows[0])
	motorIdx, err := h.require(cols.Motor, "motor")
	if err != nil {
		return nil, nil, err
	}
	posIdx, err := h.require(cols.Position, "position")
	if err != nil {
		return nil, nil, err
	}
	axisIdx := -1
	if cols.Axis != "" {
		if i, ok := h.index(cols.Axis); ok {
			axisIdx = i
		} else {
			log.Warn().Str("column", cols.Axis).Msg("axis column not present; history axes will not be mapped to motor names")
		}
	}

	positions := make(map[string]float64)
	axisToMotor := make(map[string]string)
	for n, row := range rows[1:] {
		motor := cell(row, motorIdx)
		if motor == "" {
			log.Warn().Int("row", n+2).Msg("skipping row: missing motor name")
			continue
		}
		pos := parseFloat(cell(row, posIdx))
		if pos == nil {
			log.Warn().Int("row", n+2).Str("motor", motor).Msg("skipping row: invalid position")
			continue
		}
		positions[motor] = *pos
		if axisIdx >= 0 {
			if axis := cell(row, axisIdx); axis != "" {
				if existing, ok := axisToMotor[axis]; ok && existing != motor {
					log.Warn().Str("axis", axis).Str("motor", motor).Str("mapped_to", existing).
						Msg("axis already mapped, ignoring duplicate motor")
					continue
				}
				axisToMotor[axis] = motor
			}
		}
	}
	return positions, axisToMotor, nil
}

// ParseHistory reads the movement-history CSV into a time-sorted event
// list. When axisToMotor is non-empty the motor column is treated as an
// axis identifier and rows referencing an unknown axis are skipped with
// a warning. Time-only timestamps are anchored to fallbackDate.
func ParseHistory(path string, cols HistoryColumns, axisToMotor map[string]string, fallbackDate time.Time, log zerolog.Logger) ([]Event, error) {
	rows, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read motor history CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("motor history CSV has no header")
	}

	h := indexHeader(rows[0])
	timeIdx, err := h.require(cols.Time, "time")
	if err != nil {
		return nil, err
	}
	motorIdx, err := h.require(cols.Motor, "motor")
	if err != nil {
		return nil, err
	}
	newIdx, err := h.require(cols.NewPos, "new position")
	if err != nil {
		return nil, err
	}
	oldIdx := -1
	if cols.OldPos != "" {
		if i, ok := h.index(cols.OldPos); ok {
			oldIdx = i
		}
	}

	var events []Event
	for n, row := range rows[1:] {
		name := cell(row, motorIdx)
		rawTime := cell(row, timeIdx)
		if name == "" || rawTime == "" {
			log.Warn().Int("row", n+2).Msg("skipping row: missing motor or timestamp")
			continue
		}
		ts, timeOnly, err := parseTimestamp(rawTime, fallbackDate)
		if err != nil {
			log.Warn().Int("row", n+2).Str("timestamp", rawTime).Msg("skipping row: unparseable timestamp")
			continue
		}
		motor := name
		if len(axisToMotor) > 0 {
			mapped, ok := axisToMotor[name]
			if !ok {
				log.Warn().Int("row", n+2).Str("axis", name).Msg("skipping row: unknown axis")
				continue
			}
			motor = mapped
		}
		var oldPos *float64
		if oldIdx >= 0 {
			oldPos = parseFloat(cell(row, oldIdx))
		}
		events = append(events, Event{
			Time:     ts,
			Motor:    motor,
			OldPos:   oldPos,
			NewPos:   parseFloat(cell(row, newIdx)),
			TimeOnly: timeOnly,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time.Before(events[j].Time)
	})
	return events, nil
}
