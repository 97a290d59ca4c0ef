package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"shotlog-service/internal/copier"
	"shotlog-service/internal/db"
	"shotlog-service/internal/domain/shot"
	"shotlog-service/internal/repository"
	"shotlog-service/internal/service"
)

func testEngineConfig() shot.Config {
	return shot.Config{
		Folders: []shot.FolderConfig{
			{Name: "Lanex", Expected: true, Trigger: true, Specs: []shot.FolderSpec{{}}},
		},
		Global: shot.GlobalConfig{
			TriggerKeyword: "shot",
			FullWindow:     10 * time.Second,
			Timeout:        20 * time.Second,
		},
	}
}

func newTestRouter(t *testing.T, secret string) (*gin.Engine, *repository.ShotRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	gdb, err := db.Open(db.Options{Driver: "sqlite", DSN: filepath.Join(dir, "shots.db")})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	repo := repository.NewShotRepository(gdb)

	writer := copier.NewWriter(filepath.Join(dir, "clean"), zerolog.Nop())
	engine := service.NewEngine(testEngineConfig(), repo, writer, zerolog.Nop())
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)

	r := gin.New()
	handler := NewHandler(engine, repo, nil, zerolog.Nop())
	handler.Register(r, AuthMiddleware(secret))
	return r, repo
}

func perform(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetStatus(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := perform(r, http.MethodGet, "/api/v1/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data shot.StatusSnapshot `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.State != shot.StateRunning {
		t.Errorf("state = %q, want running", resp.Data.State)
	}
	if resp.Data.NextShotIndex != 1 {
		t.Errorf("next shot index = %d, want 1", resp.Data.NextShotIndex)
	}
}

func TestListShotsRequiresDate(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := perform(r, http.MethodGet, "/api/v1/shots", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = perform(r, http.MethodGet, "/api/v1/shots?date=20240101", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestPauseAndResume(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := perform(r, http.MethodPost, "/api/v1/control/pause", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	var resp struct {
		Data shot.StatusSnapshot `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.State != shot.StatePaused {
		t.Errorf("state after pause = %q", resp.Data.State)
	}

	w = perform(r, http.MethodPost, "/api/v1/control/resume", "", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.State != shot.StateRunning {
		t.Errorf("state after resume = %q", resp.Data.State)
	}
}

func TestSetTimingValidatesInput(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := perform(r, http.MethodPost, "/api/v1/config/timing", `{"full_window_s": 5}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing timeout: status = %d, want 400", w.Code)
	}

	w = perform(r, http.MethodPost, "/api/v1/config/timing", `{"full_window_s": 5, "timeout_s": 15}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("valid timing: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestSetNextIndexConflictReturns409(t *testing.T) {
	r, repo := newTestRouter(t, "")

	cs := shot.ClosedShot{
		Date:            "20240101",
		Index:           3,
		TriggerTime:     time.Now(),
		TriggerCameras:  []string{"Lanex"},
		ExpectedCameras: []string{"Lanex"},
		Files:           map[string]shot.Arrival{"Lanex": {Path: "x"}},
	}
	if err := repo.RecordClosedShot(context.Background(), cs); err != nil {
		t.Fatal(err)
	}

	w := perform(r, http.MethodPost, "/api/v1/shots/next-index", `{"date": "20240101", "next": 3}`, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", w.Code, w.Body.String())
	}

	w = perform(r, http.MethodPost, "/api/v1/shots/next-index", `{"date": "20240101", "next": 4}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestMotorEndpointsWithoutRecorder(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := perform(r, http.MethodGet, "/api/v1/motors/positions?t=2024-01-01T10:00:00Z", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("positions status = %d, want 404", w.Code)
	}

	w = perform(r, http.MethodPost, "/api/v1/motors/recompute", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("recompute status = %d, want 404", w.Code)
	}
}

func TestAuthProtectsControlEndpoints(t *testing.T) {
	const secret = "lab-secret"
	r, _ := newTestRouter(t, secret)

	// Reads stay public.
	w := perform(r, http.MethodGet, "/api/v1/status", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("public status = %d, want 200", w.Code)
	}

	w = perform(r, http.MethodPost, "/api/v1/control/pause", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	w = perform(r, http.MethodPost, "/api/v1/control/pause", "", map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", w.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	w = perform(r, http.MethodPost, "/api/v1/control/pause", "", map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}
}
