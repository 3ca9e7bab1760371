package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
	"github.com/sessiontap/sessiontap/internal/registry"
)

func testServer(t *testing.T) (*httptest.Server, *authsvc.Service) {
	t.Helper()
	key, err := authsvc.GenerateECKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth := authsvc.New(key, 30*time.Second, time.Hour)
	reg := registry.New(8)
	brk := broker.New(reg, 10)
	s := New(auth, reg, brk, "http://sessiontap.local", nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, auth
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// TestPairingHappyPathAndDoubleRedeem mirrors spec.md §8 scenario 1.
func TestPairingHappyPathAndDoubleRedeem(t *testing.T) {
	ts, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/api/auth/qr", nil)
	var qr struct {
		Token      string `json:"token"`
		ExpiresInS int    `json:"expires_in_s"`
	}
	decode(t, resp, &qr)
	if qr.Token == "" || qr.ExpiresInS <= 0 {
		t.Fatalf("unexpected qr response: %+v", qr)
	}

	body := map[string]string{"token": qr.Token, "device_id": "D1"}
	resp = postJSON(t, ts.URL+"/api/auth/mobile", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first redeem status = %d, want 200", resp.StatusCode)
	}
	var mobile struct {
		Key string `json:"key"`
	}
	decode(t, resp, &mobile)
	if mobile.Key == "" {
		t.Fatal("expected non-empty key")
	}

	resp = postJSON(t, ts.URL+"/api/auth/mobile", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second redeem status = %d, want 409", resp.StatusCode)
	}
	var errBody struct {
		Code string `json:"code"`
	}
	decode(t, resp, &errBody)
	if errBody.Code != "already_consumed" {
		t.Fatalf("error code = %q, want already_consumed", errBody.Code)
	}
}

func TestAuthInfoAndRevoke(t *testing.T) {
	ts, auth := testServer(t)
	et, _ := auth.IssueEnrollment()
	cred, err := auth.RedeemEnrollment(et.Token, "D2")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/auth/info", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("info request: %v", err)
	}
	var info struct {
		DeviceID string `json:"device_id"`
	}
	decode(t, resp, &info)
	if info.DeviceID != "D2" {
		t.Fatalf("device_id = %q, want D2", info.DeviceID)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/auth/revoke", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revoke request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/auth/info", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post-revoke info request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-revoke info status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionsRequiresBearer(t *testing.T) {
	ts, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		Status string `json:"status"`
	}
	decode(t, resp, &body)
	if body.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", body.Status)
	}
}
