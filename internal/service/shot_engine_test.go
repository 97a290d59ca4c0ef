package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shotlog-service/internal/copier"
	"shotlog-service/internal/db"
	"shotlog-service/internal/domain/shot"
	"shotlog-service/internal/repository"
)

func testConfig(window, timeout time.Duration) shot.Config {
	return shot.Config{
		Folders: []shot.FolderConfig{
			{
				Name:     "Lanex",
				Expected: true,
				Trigger:  true,
				Specs:    []shot.FolderSpec{{Keyword: "lanex", Extensions: []string{".tif"}}},
			},
			{
				Name:     "Phasics",
				Expected: true,
				Trigger:  true,
				Specs:    []shot.FolderSpec{{Keyword: "phasics", Extensions: []string{".tif"}}},
			},
			{
				Name:     "Csi",
				Expected: true,
				Specs:    []shot.FolderSpec{{Keyword: "csi", Extensions: []string{".csv"}}},
			},
		},
		Global: shot.GlobalConfig{
			TriggerKeyword: "shot",
			FullWindow:     window,
			Timeout:        timeout,
			TestKeywords:   []string{"test"},
		},
	}
}

type testRig struct {
	engine    *Engine
	repo      *repository.ShotRepository
	rawDir    string
	cleanRoot string
	closed    chan shot.ClosedShot
}

func newTestRig(t *testing.T, window, timeout time.Duration) *testRig {
	t.Helper()
	dir := t.TempDir()
	gdb, err := db.Open(db.Options{Driver: "sqlite", DSN: filepath.Join(dir, "shots.db")})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	rig := &testRig{
		repo:      repository.NewShotRepository(gdb),
		rawDir:    filepath.Join(dir, "raw"),
		cleanRoot: filepath.Join(dir, "clean"),
		closed:    make(chan shot.ClosedShot, 8),
	}
	if err := os.MkdirAll(rig.rawDir, 0o755); err != nil {
		t.Fatal(err)
	}

	writer := copier.NewWriter(rig.cleanRoot, zerolog.Nop())
	rig.engine = NewEngine(testConfig(window, timeout), rig.repo, writer, zerolog.Nop())
	rig.engine.OnShotClosed(func(cs shot.ClosedShot) {
		if err := rig.repo.RecordClosedShot(context.Background(), cs); err != nil {
			t.Errorf("recording closed shot: %v", err)
		}
	})
	rig.engine.OnShotClosed(func(cs shot.ClosedShot) { rig.closed <- cs })
	if err := rig.engine.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rig.engine.Stop)
	return rig
}

// drop creates a raw file and feeds its event to the engine, the way the
// watcher would after the file goes quiet.
func (r *testRig) drop(t *testing.T, name string, at time.Time) shot.FileEvent {
	t.Helper()
	path := filepath.Join(r.rawDir, name)
	if err := os.WriteFile(path, []byte("frame data"), 0o644); err != nil {
		t.Fatal(err)
	}
	evt := shot.FileEvent{Path: path, Time: at}
	r.engine.HandleFileEvent(evt)
	return evt
}

func (r *testRig) waitClosed(t *testing.T) shot.ClosedShot {
	t.Helper()
	select {
	case cs := <-r.closed:
		return cs
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for shot to close")
		return shot.ClosedShot{}
	}
}

func (r *testRig) expectNoClose(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case cs := <-r.closed:
		t.Fatalf("unexpected closed shot %d", cs.Index)
	case <-time.After(within):
	}
}

func TestShotClosesAfterQuietWindow(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, 2*time.Second)
	now := time.Now()

	rig.drop(t, "lanex_shot_042.tif", now)
	rig.drop(t, "csi_042.csv", now.Add(20*time.Millisecond))
	rig.drop(t, "phasics_shot_042.tif", now.Add(40*time.Millisecond))

	cs := rig.waitClosed(t)
	if cs.Index != 1 {
		t.Errorf("shot index = %d, want 1", cs.Index)
	}
	if cs.TimedOut {
		t.Error("window close reported as timeout")
	}
	if len(cs.Missing) != 0 {
		t.Errorf("missing = %v, want none", cs.Missing)
	}
	if len(cs.Files) != 3 {
		t.Errorf("got %d files, want 3", len(cs.Files))
	}
	if !cs.TriggerTime.Equal(now) {
		t.Errorf("trigger time = %v, want %v", cs.TriggerTime, now)
	}

	// The clean copies exist under camera/date with the shot suffix.
	for _, expect := range []string{
		filepath.Join("Lanex", shot.DateKey(now)),
		filepath.Join("Csi", shot.DateKey(now)),
		filepath.Join("Phasics", shot.DateKey(now)),
	} {
		entries, err := os.ReadDir(filepath.Join(rig.cleanRoot, expect))
		if err != nil || len(entries) != 1 {
			t.Errorf("clean copy missing under %s: %v", expect, err)
		}
	}

	status := rig.engine.Status()
	if status.ShotOpen {
		t.Error("shot still open after close")
	}
	if status.NextShotIndex != 2 {
		t.Errorf("NextShotIndex = %d, want 2", status.NextShotIndex)
	}
	if status.LastClosed == nil || status.LastClosed.Index != 1 {
		t.Error("LastClosed not reflecting the first shot")
	}
}

func TestTimeoutClosesWithMissingCameras(t *testing.T) {
	rig := newTestRig(t, time.Second, 200*time.Millisecond)

	rig.drop(t, "lanex_shot_007.tif", time.Now())

	cs := rig.waitClosed(t)
	if !cs.TimedOut {
		t.Error("expected timeout close")
	}
	if len(cs.Missing) != 2 {
		t.Errorf("missing = %v, want Phasics and Csi", cs.Missing)
	}
	if _, ok := cs.Files["Lanex"]; !ok {
		t.Error("trigger camera file absent from closed shot")
	}

	if rig.engine.Status().State != shot.StateError {
		t.Error("engine not in error state after incomplete shot")
	}
}

func TestSecondTriggerMergesIntoOpenShot(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, 2*time.Second)
	now := time.Now()

	rig.drop(t, "lanex_shot_003.tif", now)
	rig.drop(t, "phasics_shot_003.tif", now.Add(10*time.Millisecond))

	cs := rig.waitClosed(t)
	if len(cs.TriggerCameras) != 2 {
		t.Errorf("trigger cameras = %v, want both Lanex and Phasics", cs.TriggerCameras)
	}
	if cs.Index != 1 {
		t.Errorf("merge opened a second shot, index = %d", cs.Index)
	}
	// Only one shot was ever opened.
	if rig.engine.Status().NextShotIndex != 2 {
		t.Errorf("NextShotIndex = %d, want 2", rig.engine.Status().NextShotIndex)
	}
}

func TestDuplicateArrivalDiscarded(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, 2*time.Second)
	now := time.Now()

	rig.drop(t, "lanex_shot_005.tif", now)
	first := rig.drop(t, "csi_005.csv", now.Add(10*time.Millisecond))
	rig.drop(t, "csi_005_retry.csv", now.Add(20*time.Millisecond))

	cs := rig.waitClosed(t)
	if got := cs.Files["Csi"].Path; got != first.Path {
		t.Errorf("kept arrival %q, want first arrival %q", got, first.Path)
	}
}

func TestOrphanFileWithoutOpenShotIgnored(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, 300*time.Millisecond)

	rig.drop(t, "csi_lonely.csv", time.Now())

	rig.expectNoClose(t, 500*time.Millisecond)
	if rig.engine.Status().ShotOpen {
		t.Error("non-trigger file opened a shot")
	}
}

func TestTestFilesNeverOpenShots(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, 300*time.Millisecond)

	rig.drop(t, "lanex_shot_test_001.tif", time.Now())

	rig.expectNoClose(t, 500*time.Millisecond)
	if rig.engine.Status().ShotOpen {
		t.Error("test file opened a shot")
	}
}

func TestMidWindowArrivalRearmsWindow(t *testing.T) {
	const window = 500 * time.Millisecond
	rig := newTestRig(t, window, 3*time.Second)

	start := time.Now()
	rig.drop(t, "lanex_shot_030.tif", start)
	time.Sleep(300 * time.Millisecond)
	rig.drop(t, "csi_030.csv", time.Now())

	cs := rig.waitClosed(t)
	elapsed := time.Since(start)
	if cs.TimedOut {
		t.Error("rearmed window close reported as timeout")
	}
	// The arrival at ~300ms pushes the close to ~800ms; a window that
	// was never rearmed would have fired at 500ms.
	if elapsed < 650*time.Millisecond {
		t.Errorf("closed after %v, want the window rearmed past %v", elapsed, window)
	}
}

func TestTimeoutWinsOverRearmedWindow(t *testing.T) {
	rig := newTestRig(t, 500*time.Millisecond, 800*time.Millisecond)

	start := time.Now()
	rig.drop(t, "lanex_shot_031.tif", start)
	time.Sleep(400 * time.Millisecond)
	// Rearms the window to ~900ms, past the 800ms ceiling.
	rig.drop(t, "csi_031.csv", time.Now())

	cs := rig.waitClosed(t)
	if !cs.TimedOut {
		t.Errorf("closed after %v without timeout; the ceiling must win over the rearmed window", time.Since(start))
	}
	if len(cs.Missing) != 1 || cs.Missing[0] != "Phasics" {
		t.Errorf("missing = %v, want [Phasics]", cs.Missing)
	}
}

func TestPauseBlocksNewShots(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, time.Second)

	if err := rig.engine.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	rig.drop(t, "lanex_shot_011.tif", time.Now())
	if rig.engine.Status().ShotOpen {
		t.Fatal("shot opened while paused")
	}

	if err := rig.engine.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rig.drop(t, "lanex_shot_012.tif", time.Now())
	if !rig.engine.Status().ShotOpen {
		t.Fatal("shot did not open after resume")
	}
	rig.waitClosed(t)
}

func TestStopAbortsOpenShotWithoutEmitting(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, 300*time.Millisecond)

	rig.drop(t, "lanex_shot_020.tif", time.Now())
	rig.engine.Stop()

	rig.expectNoClose(t, 500*time.Millisecond)

	// The aborted index is reissued after a restart.
	if err := rig.engine.Start(); err != nil {
		t.Fatal(err)
	}
	rig.drop(t, "lanex_shot_021.tif", time.Now())
	rig.drop(t, "csi_021.csv", time.Now())
	rig.drop(t, "phasics_shot_021.tif", time.Now())

	cs := rig.waitClosed(t)
	if cs.Index != 1 {
		t.Errorf("index after aborted shot = %d, want 1", cs.Index)
	}
}

func TestIndicesMonotonicAcrossShots(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond, time.Second)

	for want := 1; want <= 3; want++ {
		now := time.Now()
		rig.drop(t, "lanex_shot_a.tif", now)
		rig.drop(t, "csi_a.csv", now)
		rig.drop(t, "phasics_shot_a.tif", now)
		cs := rig.waitClosed(t)
		if cs.Index != want {
			t.Fatalf("shot %d closed with index %d", want, cs.Index)
		}
		// Same paths with a newer mtime must be treated as fresh events.
	}
}

func TestSetNextIndexConflictSurfaced(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond, time.Second)
	ctx := context.Background()

	now := time.Now()
	rig.drop(t, "lanex_shot_b.tif", now)
	rig.drop(t, "csi_b.csv", now)
	rig.drop(t, "phasics_shot_b.tif", now)
	rig.waitClosed(t)

	date := shot.DateKey(now)
	if _, err := rig.engine.SetNextIndex(ctx, date, 1); err == nil {
		t.Error("expected conflict error for already-recorded index")
	}

	report, err := rig.engine.SetNextIndex(ctx, date, 50)
	if err != nil {
		t.Fatalf("conflict-free proposal rejected: %v", err)
	}
	if report.Conflicts() {
		t.Errorf("unexpected conflict report %+v", report)
	}
	if got := rig.engine.Status().NextShotIndex; got != 50 {
		t.Errorf("NextShotIndex after proposal = %d, want 50", got)
	}
}

func TestPauseResumeRequireRunningEngine(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, time.Second)
	rig.engine.Stop()

	if err := rig.engine.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Pause on stopped engine = %v, want ErrNotRunning", err)
	}
	if err := rig.engine.Resume(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Resume on stopped engine = %v, want ErrNotRunning", err)
	}
}

func TestSeenEntriesPrunedAfterClose(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond, time.Second)

	// Events carry the mtimes the watcher observed; the old ones fall
	// outside the shot's timing horizon once it closes.
	stale := time.Now().Add(-time.Minute)
	old1 := rig.drop(t, "lanex_shot_040.tif", stale)
	old2 := rig.drop(t, "csi_040.csv", stale)
	fresh := rig.drop(t, "phasics_shot_040.tif", time.Now())
	rig.waitClosed(t)

	rig.engine.mu.Lock()
	defer rig.engine.mu.Unlock()
	for _, evt := range []shot.FileEvent{old1, old2} {
		if _, ok := rig.engine.seen[evt.Path]; ok {
			t.Errorf("stale dedup entry for %s survived the close", evt.Path)
		}
	}
	if _, ok := rig.engine.seen[fresh.Path]; !ok {
		t.Error("recent dedup entry was pruned")
	}
}

func TestStartTolerantOfConcurrentReconfigure(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, time.Second)
	rig.engine.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := rig.engine.Reconfigure(testConfig(100*time.Millisecond, time.Second)); err != nil {
				t.Errorf("Reconfigure: %v", err)
			}
		}
	}()
	if err := rig.engine.Start(); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestReconfigureRejectsEmptyFolderSet(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, time.Second)

	err := rig.engine.Reconfigure(shot.Config{})
	if err == nil {
		t.Fatal("expected error for empty folder set")
	}
}

func TestSetTimingValidation(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, time.Second)

	if err := rig.engine.SetTiming(0, time.Second); err == nil {
		t.Error("zero window accepted")
	}
	if err := rig.engine.SetTiming(time.Second, 2*time.Second); err != nil {
		t.Errorf("valid timing rejected: %v", err)
	}
	status := rig.engine.Status()
	if status.FullWindow != time.Second || status.Timeout != 2*time.Second {
		t.Errorf("timing not reflected in status: %+v", status)
	}
}
