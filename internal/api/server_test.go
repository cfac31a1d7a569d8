package api

import (
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/config"
	"github.com/satfaucet/faucetd/internal/faucet"
	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/internal/storage"
)

// startTestServer serves an unstarted faucet: enough to exercise the
// envelope and routing without a wallet.
func startTestServer(t *testing.T) string {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "faucetd-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir, Network: "regtest"})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Network = "regtest"
	cfg.Storage.DataDir = tmpDir

	f := faucet.New(cfg, chain.Regtest, store, indexer.NewEsploraClient("http://127.0.0.1:1", time.Second, chain.Regtest), nil)

	server := NewServer(f, VersionInfo{Version: "1.2.3", Commit: "abc"})
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	return "http://" + server.Addr()
}

func getEnvelope(t *testing.T, url string) (int, *response) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}

	var env response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("response is not a jsend envelope: %v", err)
	}
	return resp.StatusCode, &env
}

func TestStatusEndpoint(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/status")
	if code != http.StatusOK {
		t.Errorf("status code = %d, want 200", code)
	}
	if env.Status != "success" {
		t.Errorf("envelope status = %s, want success", env.Status)
	}

	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	if data["state"] != "uninitialized" {
		t.Errorf("state = %v, want uninitialized", data["state"])
	}
	if data["network"] != "regtest" {
		t.Errorf("network = %v, want regtest", data["network"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/version")
	if code != http.StatusOK || env.Status != "success" {
		t.Fatalf("code = %d, status = %s", code, env.Status)
	}
	data := env.Data.(map[string]any)
	if data["version"] != "1.2.3" || data["commit"] != "abc" {
		t.Errorf("version data = %v", data)
	}
}

func TestWithdrawalMissingParams(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/withdrawal")
	if code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", code)
	}
	if env.Status != "fail" {
		t.Errorf("envelope status = %s, want fail", env.Status)
	}
}

func TestWithdrawalInvalidAmount(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/withdrawal?address=x&amount=abc")
	if code != http.StatusBadRequest || env.Status != "fail" {
		t.Errorf("code = %d, status = %s; want 400 fail", code, env.Status)
	}
}

func TestWithdrawalBeforeReadyIsError(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/withdrawal?address=x&amount=10000")
	if code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", code)
	}
	if env.Status != "error" {
		t.Errorf("envelope status = %s, want error", env.Status)
	}
	if env.Message == "" {
		t.Error("error envelope has no message")
	}
}

func TestPreloadMissingName(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/preload")
	if code != http.StatusBadRequest || env.Status != "fail" {
		t.Errorf("code = %d, status = %s; want 400 fail", code, env.Status)
	}
}

func TestDonationBeforeReadyIsError(t *testing.T) {
	base := startTestServer(t)

	code, env := getEnvelope(t, base+"/donation")
	if code != http.StatusInternalServerError || env.Status != "error" {
		t.Errorf("code = %d, status = %s; want 500 error", code, env.Status)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	base := startTestServer(t)

	resp, err := http.Get(base + "/nope")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp.StatusCode)
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"10000", 10_000, false},
		{"0.5", 50_000_000, false},
		{"1.5", 150_000_000, false},
		{"0.00000546", 546, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5", 0, true},
	}
	for _, tc := range cases {
		got, err := parseAmount(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseAmount(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAmount(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseAmount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
