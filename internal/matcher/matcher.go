package matcher

import (
	"path/filepath"
	"strings"

	"shotlog-service/internal/domain/shot"
)

// Match is the classification result for one filename.
type Match struct {
	Folder  string
	Trigger bool
}

// Matcher classifies filenames against an immutable folder configuration.
// Folders are evaluated in configuration order and the first match wins;
// the configuration is expected to keep folders mutually exclusive.
type Matcher struct {
	cfg shot.Config
}

func New(cfg shot.Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// IsTestFile reports whether the filename contains any configured test
// keyword. Test files never participate in shot logic.
func (m *Matcher) IsTestFile(filename string) bool {
	lower := strings.ToLower(filepath.Base(filename))
	for _, kw := range m.cfg.Global.TestKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Classify resolves a filename to its camera folder. The second return is
// false when the file is a test file or matches no configured folder.
func (m *Matcher) Classify(filename string) (Match, bool) {
	lower := strings.ToLower(filepath.Base(filename))
	if m.IsTestFile(filename) {
		return Match{}, false
	}
	g := m.cfg.Global
	for _, folder := range m.cfg.Folders {
		if !folder.Matches(lower, g.TriggerKeyword, g.ApplyKeywordToAll) {
			continue
		}
		return Match{
			Folder:  folder.Name,
			Trigger: m.isTrigger(folder, lower),
		}, true
	}
	return Match{}, false
}

// isTrigger requires the folder's trigger flag and the global trigger
// keyword in the filename, on top of the folder match that already passed.
func (m *Matcher) isTrigger(folder shot.FolderConfig, filenameLower string) bool {
	if !folder.Trigger {
		return false
	}
	kw := strings.ToLower(m.cfg.Global.TriggerKeyword)
	if kw != "" && !strings.Contains(filenameLower, kw) {
		return false
	}
	return true
}
