package ui

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
)

func TestIndexRendersPresets(t *testing.T) {
	r := chi.NewRouter()
	New(persona.NewMemoryStore(persona.Seed()), false, true, false).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := resp.Body.String()
	if !strings.Contains(body, `value="maya"`) {
		t.Fatalf("preset missing from page")
	}
	if !strings.Contains(body, "ANAM_API_KEY is not set") {
		t.Fatalf("missing avatar key warning")
	}
	if !strings.Contains(body, "@anam-ai/js-sdk") {
		t.Fatalf("SDK import missing")
	}
}
