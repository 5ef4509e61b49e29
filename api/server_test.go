package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/gregtusar/microflow/pkg/trader"
	"github.com/sirupsen/logrus"
)

type stubSource struct {
	status    trader.Status
	analytics trader.Analytics
}

func (s *stubSource) Status() trader.Status       { return s.status }
func (s *stubSource) Analytics() trader.Analytics { return s.analytics }

func newTestServer(src Source) *httptest.Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return httptest.NewServer(NewServer(src, logger, 0).Handler())
}

func TestStatusEndpoint(t *testing.T) {
	src := &stubSource{status: trader.Status{
		State:    trader.StatePositionActive.String(),
		Symbol:   "BTCUSDT",
		Position: &models.Position{Symbol: "BTCUSDT", Side: models.PositionLong, Size: 1, EntryPrice: 100},
	}}
	ts := newTestServer(src)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors header %q", got)
	}
	var body struct {
		State    string `json:"state"`
		Symbol   string `json:"symbol"`
		Position *struct {
			Size float64 `json:"size"`
		} `json:"position"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "POSITION_ACTIVE" || body.Symbol != "BTCUSDT" || body.Position == nil {
		t.Fatalf("body %+v", body)
	}
}

func TestHealthReportsErrorState(t *testing.T) {
	src := &stubSource{status: trader.Status{State: trader.StateError.String()}}
	ts := newTestServer(src)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code %d", resp.StatusCode)
	}

	src.status.State = trader.StateEntryHunting.String()
	resp, err = http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
}

func TestAnalyticsRejectsPost(t *testing.T) {
	ts := newTestServer(&stubSource{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/analytics", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code %d", resp.StatusCode)
	}
}
