package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reflectt/boardserver/internal/store"
)

func TestHandlePostAndListMessages(t *testing.T) {
	s := newTestServer(t)

	body := bytes.NewBufferString(`{"from":"nova","content":"hello board","channel":"general"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/messages", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/chat/messages?channel=general", nil)
	listW := httptest.NewRecorder()
	s.Handler().ServeHTTP(listW, listReq)

	var resp struct {
		Messages []*store.Message `json:"messages"`
		Total    int              `json:"total"`
	}
	json.NewDecoder(listW.Body).Decode(&resp)
	if resp.Total != 1 {
		t.Fatalf("expected 1 message, got %d", resp.Total)
	}
	if resp.Messages[0].Content != "hello board" {
		t.Errorf("unexpected content: %q", resp.Messages[0].Content)
	}
}

func TestHandleChatSearchRequiresQuery(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/chat/search", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without q, got %d", w.Code)
	}
}
