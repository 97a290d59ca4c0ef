package shot

import (
	"strings"
	"time"
)

// FileEvent is one filesystem observation delivered by the watcher:
// an absolute path plus the file's modification time.
type FileEvent struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// FolderSpec is a single match rule for a camera folder. An empty keyword
// matches any filename, an empty extension list matches any extension.
type FolderSpec struct {
	Keyword    string   `json:"keyword"`
	Extensions []string `json:"extensions"`
}

// NormalizedExtensions returns the extension list lower-cased and
// dot-prefixed, dropping empty entries.
func (s FolderSpec) NormalizedExtensions() []string {
	out := make([]string, 0, len(s.Extensions))
	for _, ext := range s.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// Matches reports whether a lower-cased filename satisfies this spec.
// When applyGlobal is set the global keyword is mandatory on top of the
// spec's own keyword.
func (s FolderSpec) Matches(filenameLower, globalKeyword string, applyGlobal bool) bool {
	if applyGlobal && globalKeyword != "" {
		if !strings.Contains(filenameLower, strings.ToLower(globalKeyword)) {
			return false
		}
	}
	if s.Keyword != "" && !strings.Contains(filenameLower, strings.ToLower(s.Keyword)) {
		return false
	}
	exts := s.NormalizedExtensions()
	if len(exts) == 0 {
		return true
	}
	for _, ext := range exts {
		if strings.HasSuffix(filenameLower, ext) {
			return true
		}
	}
	return false
}

// FolderConfig describes one camera folder. Specs are OR-combined: any
// matching spec qualifies the file for this folder.
type FolderConfig struct {
	Name     string       `json:"name"`
	Expected bool         `json:"expected"`
	Trigger  bool         `json:"trigger"`
	Specs    []FolderSpec `json:"specs"`
}

// Matches reports whether any of the folder's specs accept the filename.
func (f FolderConfig) Matches(filenameLower, globalKeyword string, applyGlobal bool) bool {
	for _, spec := range f.Specs {
		if spec.Matches(filenameLower, globalKeyword, applyGlobal) {
			return true
		}
	}
	return false
}

// GlobalConfig carries the engine-wide matching and timing parameters.
// It is snapshotted into each opened shot; runtime changes only affect
// shots opened afterwards.
type GlobalConfig struct {
	TriggerKeyword    string        `json:"trigger_keyword"`
	ApplyKeywordToAll bool          `json:"apply_keyword_to_all"`
	FullWindow        time.Duration `json:"full_window"`
	Timeout           time.Duration `json:"timeout"`
	TestKeywords      []string      `json:"test_keywords"`
}

// Config is the immutable snapshot the lifecycle controller operates on.
// Folders keeps configuration order; classification uses the first match.
type Config struct {
	Folders []FolderConfig `json:"folders"`
	Global  GlobalConfig   `json:"global"`
}

// ExpectedFolders returns the names of folders counted toward shot
// completeness, in configuration order.
func (c Config) ExpectedFolders() []string {
	var names []string
	for _, f := range c.Folders {
		if f.Expected {
			names = append(names, f.Name)
		}
	}
	return names
}

// TriggerFolders returns the names of folders whose files may open a shot.
func (c Config) TriggerFolders() []string {
	var names []string
	for _, f := range c.Folders {
		if f.Trigger {
			names = append(names, f.Name)
		}
	}
	return names
}

// Arrival records the first qualifying file seen from one camera within
// a shot.
type Arrival struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// ClosedShot is the immutable snapshot emitted to listeners when a shot
// closes. Missing is always ExpectedCameras minus the present set.
type ClosedShot struct {
	Date            string             `json:"date"`
	Index           int                `json:"index"`
	TriggerTime     time.Time          `json:"trigger_time"`
	TriggerCameras  []string           `json:"trigger_cameras"`
	ExpectedCameras []string           `json:"expected_cameras"`
	Files           map[string]Arrival `json:"files"`
	Missing         []string           `json:"missing"`
	TimedOut        bool               `json:"timed_out"`
}

// Present returns the sorted-by-config camera names that reported a file.
func (c ClosedShot) Present() []string {
	names := make([]string, 0, len(c.Files))
	for _, cam := range c.ExpectedCameras {
		if _, ok := c.Files[cam]; ok {
			names = append(names, cam)
		}
	}
	for cam := range c.Files {
		if !containsString(names, cam) {
			names = append(names, cam)
		}
	}
	return names
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// EngineState is the coarse run state reported on the status surface.
type EngineState string

const (
	StateIdle    EngineState = "IDLE"
	StateRunning EngineState = "RUNNING"
	StatePaused  EngineState = "PAUSED"
	StateError   EngineState = "ERROR"
)

// OpenShotStatus describes the currently open shot, if any.
type OpenShotStatus struct {
	Date        string    `json:"date"`
	Index       int       `json:"index"`
	TriggerTime time.Time `json:"trigger_time"`
	Present     []string  `json:"present"`
	WaitingFor  []string  `json:"waiting_for"`
}

// StatusSnapshot is a point-in-time view of the engine for UI and API
// consumers. It never holds references into live controller state.
type StatusSnapshot struct {
	RunID          string          `json:"run_id"`
	State          EngineState     `json:"state"`
	ShotOpen       bool            `json:"shot_open"`
	OpenShot       *OpenShotStatus `json:"open_shot,omitempty"`
	LastClosed     *ClosedShot     `json:"last_closed,omitempty"`
	NextShotIndex  int             `json:"next_shot_index"`
	ActiveDate     string          `json:"active_date"`
	FullWindow     time.Duration   `json:"full_window"`
	Timeout        time.Duration   `json:"timeout"`
	TriggerKeyword string          `json:"trigger_keyword"`
}

// ConflictReport is the structured refusal returned when a proposed next
// shot index collides with already-issued numbering for a date.
type ConflictReport struct {
	Same   bool `json:"same"`
	Higher bool `json:"higher"`
}

// Conflicts reports whether the proposal was refused.
func (r ConflictReport) Conflicts() bool {
	return r.Same || r.Higher
}

// DateKey formats a timestamp as the calendar-day key used for shot
// numbering and clean-area layout.
func DateKey(t time.Time) string {
	return t.Format("20060102")
}

// TimeKey formats a timestamp as the HHMMSS component of clean filenames.
func TimeKey(t time.Time) string {
	return t.Format("150405")
}
