package personas

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file:personas_http_"+uuid.NewString()+"?mode=memory&cache=shared")

	router := gin.New()
	if _, err := RegisterRoutes(router); err != nil {
		t.Fatalf("register routes: %v", err)
	}
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestCreatePersonaEndpoint(t *testing.T) {
	router := newTestRouter(t)

	created := postJSON(t, router, "/personas", map[string]any{
		"name":        "Hero",
		"description": "A knight",
		"style_tags":  []string{"anime"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", created.Code, created.Body.String())
	}

	var decoded struct {
		Message string `json:"message"`
		ID      string `json:"id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Name != "Hero" || decoded.ID == "" {
		t.Fatalf("unexpected response %+v", decoded)
	}
}

func TestCreatePersonaDuplicateName(t *testing.T) {
	router := newTestRouter(t)

	payload := map[string]any{"name": "Hero", "description": "A knight"}
	if first := postJSON(t, router, "/personas", payload); first.Code != http.StatusCreated {
		t.Fatalf("first create failed: %d %s", first.Code, first.Body.String())
	}

	duplicate := postJSON(t, router, "/personas", map[string]any{"name": "  Hero  ", "description": "Another"})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d: %s", duplicate.Code, duplicate.Body.String())
	}
	if !bytes.Contains(duplicate.Body.Bytes(), []byte("A persona with this name already exists")) {
		t.Fatalf("unexpected body %s", duplicate.Body.String())
	}
}

func TestCreatePersonaValidationMessages(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name    string
		payload map[string]any
		message string
	}{
		{"missing name", map[string]any{"description": "x"}, "Name is required"},
		{"missing description", map[string]any{"name": "Hero"}, "Description is required"},
		{"style tags not a list", map[string]any{"name": "Hero", "description": "x", "style_tags": "anime"}, "Style tags must be a list"},
	}

	for _, tc := range cases {
		recorder := postJSON(t, router, "/personas", tc.payload)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("%s: unexpected status %d", tc.name, recorder.Code)
			continue
		}
		if !bytes.Contains(recorder.Body.Bytes(), []byte(tc.message)) {
			t.Errorf("%s: expected %q in body %s", tc.name, tc.message, recorder.Body.String())
		}
	}
}

func TestTogglePersonaEndpoint(t *testing.T) {
	router := newTestRouter(t)

	created := postJSON(t, router, "/personas", map[string]any{"name": "Hero", "description": "A knight"})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/personas/"+decoded.ID+"/toggle", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte("Persona deactivated successfully")) {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestPersonaStatsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	if created := postJSON(t, router, "/personas", map[string]any{"name": "Hero", "description": "A knight"}); created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/personas/stats", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var summary StatsSummary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if summary.Total != 1 || summary.Active != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
