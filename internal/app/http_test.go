package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service, *fakeStore) {
	t.Helper()
	fake := newFakeStore()
	svc := newTestService(fake, &fakeBroadcaster{})
	server := httptest.NewServer(NewHTTPServer(svc, nil, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc, fake
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func loginAs(t *testing.T, server *httptest.Server, handle string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/session/login", "", map[string]string{"handle": handle})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d: %v", resp.StatusCode, body)
	}
	return body["token"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health returned %d: %v", resp.StatusCode, body)
	}
}

func TestCreateThreadRequiresAuth(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/threads", "", map[string]any{
		"title":       "Why does X fail",
		"description": "It keeps failing under load.",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", resp.StatusCode, body)
	}
}

func TestThreadLifecycleOverHTTP(t *testing.T) {
	server, _, _ := newTestServer(t)
	creator := loginAs(t, server, "ada")
	participant := loginAs(t, server, "grace")

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/threads", creator, map[string]any{
		"title":       "Why does X fail",
		"description": "It keeps failing under load.",
		"tags":        []string{"perf"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d: %v", resp.StatusCode, created)
	}
	threadID := created["id"].(string)

	resp, listed := doJSON(t, http.MethodGet, server.URL+"/api/threads", "", nil)
	if resp.StatusCode != http.StatusOK || listed["total"].(float64) != 1 {
		t.Fatalf("list returned %d: %v", resp.StatusCode, listed)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/threads/"+threadID+"/join", participant, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join returned %d", resp.StatusCode)
	}

	resp, message := doJSON(t, http.MethodPost, server.URL+"/api/threads/"+threadID+"/messages", participant, map[string]any{
		"content": "try Y",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post message returned %d: %v", resp.StatusCode, message)
	}
	messageID := message["id"].(string)

	// Non-creator resolve is rejected.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/threads/"+threadID+"/resolve", participant, map[string]any{
		"messageId": messageID,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator resolve, got %d", resp.StatusCode)
	}

	resp, closed := doJSON(t, http.MethodPost, server.URL+"/api/threads/"+threadID+"/resolve", creator, map[string]any{
		"messageId": messageID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve returned %d: %v", resp.StatusCode, closed)
	}
	questionID := closed["convertedQuestionId"].(string)

	// Posting to a closed thread conflicts.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/threads/"+threadID+"/messages", participant, map[string]any{
		"content": "too late",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on closed thread, got %d", resp.StatusCode)
	}

	resp, question := doJSON(t, http.MethodGet, server.URL+"/api/questions/"+questionID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get question returned %d: %v", resp.StatusCode, question)
	}
	answers := question["answers"].([]any)
	if len(answers) != 1 {
		t.Fatalf("expected one answer, got %d", len(answers))
	}
	if answers[0].(map[string]any)["isAccepted"] != true {
		t.Fatalf("answer not accepted: %v", answers[0])
	}
}

func TestGetThreadNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/threads/th_missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %v", body["code"])
	}
}

func TestValidationErrorsSurfaceAs422(t *testing.T) {
	server, _, _ := newTestServer(t)
	token := loginAs(t, server, "ada")

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/threads", token, map[string]any{
		"title":       "why",
		"description": "It keeps failing under load.",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR code, got %v", body["code"])
	}
}

func TestListPagination(t *testing.T) {
	server, svc, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateThread(t.Context(), "usr_a", CreateThreadInput{
			Title:       fmt.Sprintf("Thread number %d here", i),
			Description: "A sufficiently long description.",
		}); err != nil {
			t.Fatalf("seed thread: %v", err)
		}
	}

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/threads?page=1&pageSize=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list returned %d", resp.StatusCode)
	}
	if body["total"].(float64) != 3 {
		t.Fatalf("expected total 3, got %v", body["total"])
	}
	if len(body["threads"].([]any)) != 2 {
		t.Fatalf("expected page of 2, got %d", len(body["threads"].([]any)))
	}
}
