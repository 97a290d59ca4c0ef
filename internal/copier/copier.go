package copier

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shotlog-service/internal/domain/shot"
)

// Writer copies qualifying RAW files into the clean, shot-indexed output
// area. Sources are copied, never moved; a copy failure is recoverable
// and does not affect shot completeness accounting.
type Writer struct {
	cleanRoot string
	log       zerolog.Logger
}

func NewWriter(cleanRoot string, log zerolog.Logger) *Writer {
	return &Writer{
		cleanRoot: cleanRoot,
		log:       log.With().Str("component", "copier").Logger(),
	}
}

// DestName builds the clean filename for one arrival. The extension is
// lower-cased from the source; extension-less sources get ".dat".
func DestName(camera string, arrival time.Time, shotIndex int, sourcePath string) string {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext == "" {
		ext = ".dat"
	}
	return fmt.Sprintf("%s_%s_%s_shot%03d%s",
		camera, shot.DateKey(arrival), shot.TimeKey(arrival), shotIndex, ext)
}

// Write copies sourcePath into {cleanRoot}/{camera}/{YYYYMMDD}/ under the
// shot-indexed name and returns the destination path.
func (w *Writer) Write(camera, sourcePath string, arrival time.Time, shotIndex int) (string, error) {
	destDir := filepath.Join(w.cleanRoot, camera, shot.DateKey(arrival))
	dest := filepath.Join(destDir, DestName(camera, arrival, shotIndex, sourcePath))

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return dest, fmt.Errorf("failed to create clean directory: %w", err)
	}
	if err := copyFile(sourcePath, dest); err != nil {
		return dest, fmt.Errorf("failed to copy %s: %w", sourcePath, err)
	}

	w.log.Info().
		Str("camera", camera).
		Str("src", sourcePath).
		Str("dest", dest).
		Int("shot", shotIndex).
		Msg("clean copy")
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

var shotIndexRe = regexp.MustCompile(`_shot(\d+)\.`)

// ExtractShotIndex parses the NNN out of a clean filename like
// Cam_20240101_101500_shot007.tif.
func ExtractShotIndex(filename string) (int, bool) {
	m := shotIndexRe.FindStringSubmatch(filename)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// ScanCleanShots walks {cleanRoot}/{camera}/{date} for each camera and
// returns the set of cameras present per shot index. Used at startup to
// resync numbering with what is already on disk.
func (w *Writer) ScanCleanShots(date string, cameras []string) map[int][]string {
	perShot := make(map[int][]string)
	for _, cam := range cameras {
		dir := filepath.Join(w.cleanRoot, cam, date)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			idx, ok := ExtractShotIndex(entry.Name())
			if !ok {
				continue
			}
			if !contains(perShot[idx], cam) {
				perShot[idx] = append(perShot[idx], cam)
			}
		}
	}
	return perShot
}

// LastCleanShot returns the highest shot index found in the clean area
// for a date, along with the cameras missing from it. ok is false when
// no shots exist for the date.
func (w *Writer) LastCleanShot(date string, expected []string) (index int, missing []string, ok bool) {
	perShot := w.ScanCleanShots(date, expected)
	if len(perShot) == 0 {
		return 0, nil, false
	}
	for idx := range perShot {
		if idx > index {
			index = idx
		}
	}
	present := perShot[index]
	for _, cam := range expected {
		if !contains(present, cam) {
			missing = append(missing, cam)
		}
	}
	return index, missing, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
