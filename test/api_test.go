package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pastebox/cfg"
	"pastebox/pkg/clock"
	"pastebox/svc/api"
	"pastebox/svc/lim"
	"pastebox/svc/svc"
	"pastebox/svc/util"
)

func newTestServer(t *testing.T, c *cfg.Cfg) *httptest.Server {
	t.Helper()
	util.InitLog("error", false)
	sqlDB := createTestDB(t, c)
	t.Cleanup(func() { sqlDB.Close() })
	lru := createTestLRU(t, c.LRUCacheSize)
	clk := clock.NewSystem(c.TestMode)
	pasteSvc := svc.NewPaste(sqlDB, lru, nil, clk, c)
	t.Cleanup(pasteSvc.Shutdown)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, c.TrustedProxies)
	t.Cleanup(limiter.Stop)
	server := api.NewServer(c, pasteSvc, limiter, sqlDB, nil)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts
}

func createViaAPI(t *testing.T, ts *httptest.Server, body string) map[string]interface{} {
	t.Helper()
	resp, err := http.Post(ts.URL+"/pastes", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create status = %d, body: %s", resp.StatusCode, raw)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCreateAndClaimFlow(t *testing.T) {
	ts := newTestServer(t, createTestConfig())

	created := createViaAPI(t, ts, `{"content":"hello","max_views":2}`)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create response missing id: %v", created)
	}
	url, _ := created["url"].(string)
	if !strings.HasSuffix(url, "/p/"+id) {
		t.Fatalf("share url %q does not end in /p/%s", url, id)
	}

	// Two claims succeed, remaining_views counts down 1 then 0.
	for i, want := range []float64{1, 0} {
		resp, err := http.Get(ts.URL + "/pastes/" + id)
		if err != nil {
			t.Fatal(err)
		}
		var claim map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("claim %d status = %d", i+1, resp.StatusCode)
		}
		if claim["content"] != "hello" {
			t.Fatalf("claim %d content = %v", i+1, claim["content"])
		}
		if claim["remaining_views"] != want {
			t.Fatalf("claim %d remaining_views = %v, want %v", i+1, claim["remaining_views"], want)
		}
		if claim["expires_at"] != nil {
			t.Fatalf("claim %d expires_at = %v, want null", i+1, claim["expires_at"])
		}
	}

	// Third claim: gone.
	resp, err := http.Get(ts.URL + "/pastes/" + id)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("third claim status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateValidationErrors(t *testing.T) {
	ts := newTestServer(t, createTestConfig())

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty content", `{"content":""}`, http.StatusBadRequest},
		{"whitespace content", `{"content":"   "}`, http.StatusBadRequest},
		{"zero ttl", `{"content":"x","ttl_seconds":0}`, http.StatusBadRequest},
		{"negative ttl", `{"content":"x","ttl_seconds":-5}`, http.StatusBadRequest},
		{"fractional ttl", `{"content":"x","ttl_seconds":1.5}`, http.StatusBadRequest},
		{"zero max_views", `{"content":"x","max_views":0}`, http.StatusBadRequest},
		{"unknown field", `{"content":"x","bogus":true}`, http.StatusBadRequest},
		{"malformed json", `{"content":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Post(ts.URL+"/pastes", "application/json", bytes.NewBufferString(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
		if body["error"] == nil || body["error"] == "" {
			t.Errorf("%s: missing error in body %v", tc.name, body)
		}
	}
}

func TestNotFoundShapeIsUniform(t *testing.T) {
	ts := newTestServer(t, createTestConfig())

	// Exhaust a one-view paste.
	created := createViaAPI(t, ts, `{"content":"secret","max_views":1}`)
	id := created["id"].(string)
	resp, err := http.Get(ts.URL + "/pastes/" + id)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fetch := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&body)
		msg, _ := body["error"].(string)
		return resp.StatusCode, msg
	}

	missingStatus, missingMsg := fetch("/pastes/2222222222222222222222")
	exhaustedStatus, exhaustedMsg := fetch("/pastes/" + id)
	if missingStatus != http.StatusNotFound || exhaustedStatus != http.StatusNotFound {
		t.Fatalf("statuses = %d, %d; want 404, 404", missingStatus, exhaustedStatus)
	}
	if missingMsg != exhaustedMsg {
		t.Fatalf("error messages differ: %q vs %q", missingMsg, exhaustedMsg)
	}
}

func TestClockOverrideHeaderInTestMode(t *testing.T) {
	ts := newTestServer(t, createTestConfig())

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	doCreate := func(nowMs int64, body string) map[string]interface{} {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/pastes", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(api.TestNowHeader, fmt.Sprintf("%d", nowMs))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			raw, _ := io.ReadAll(resp.Body)
			t.Fatalf("create status = %d, body: %s", resp.StatusCode, raw)
		}
		var out map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&out)
		return out
	}
	doClaim := func(id string, nowMs int64) int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/pastes/"+id, nil)
		req.Header.Set(api.TestNowHeader, fmt.Sprintf("%d", nowMs))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	created := doCreate(base.UnixMilli(), `{"content":"hi","ttl_seconds":10}`)
	id := created["id"].(string)

	if status := doClaim(id, base.Add(5*time.Second).UnixMilli()); status != http.StatusOK {
		t.Fatalf("claim at t=5 status = %d, want 200", status)
	}
	if status := doClaim(id, base.Add(11*time.Second).UnixMilli()); status != http.StatusNotFound {
		t.Fatalf("claim at t=11 status = %d, want 404", status)
	}
}

func TestClockOverrideIgnoredOutsideTestMode(t *testing.T) {
	c := createTestConfig()
	c.TestMode = false
	ts := newTestServer(t, c)

	created := createViaAPI(t, ts, `{"content":"prod","ttl_seconds":3600}`)
	id := created["id"].(string)

	// A far-future override must have no effect when TEST_MODE is off.
	farFuture := time.Now().Add(48 * time.Hour).UnixMilli()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/pastes/"+id, nil)
	req.Header.Set(api.TestNowHeader, fmt.Sprintf("%d", farFuture))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (override must be ignored)", resp.StatusCode)
	}
}

func TestDisplayPathEscapesContent(t *testing.T) {
	ts := newTestServer(t, createTestConfig())

	created := createViaAPI(t, ts, `{"content":"<script>alert(1)</script>","max_views":1}`)
	id := created["id"].(string)

	// Display never consumes a view, any number of times.
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/p/" + id)
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("display status = %d", resp.StatusCode)
		}
		body := string(raw)
		if strings.Contains(body, "<script>alert(1)</script>") {
			t.Fatal("display path rendered unescaped markup")
		}
		if !strings.Contains(body, "&lt;script&gt;alert(1)&lt;/script&gt;") {
			t.Fatalf("display path missing escaped content, body: %s", body)
		}
	}

	// The single API view is still intact after the displays.
	resp, err := http.Get(ts.URL + "/pastes/" + id)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim after displays status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, createTestConfig())

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	var ready map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	if ready["database"] != "up" {
		t.Fatalf("ready database = %v, want up", ready["database"])
	}
}
