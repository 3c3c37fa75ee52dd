package serviceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeService is a minimal in-process stand-in for the configuration
// service's JSON-RPC endpoint, keyed by method name.
func fakeService(t *testing.T, handlers map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, ok := handlers[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		raw, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal fixture: %v", err)
		}
		resp := rpcResponse{ID: req.ID, Result: raw}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, handlers map[string]any) *Client {
	t.Helper()
	srv := fakeService(t, handlers)
	t.Cleanup(srv.Close)
	handlers["accessControl_authenticated"] = true
	c := New(Config{URL: srv.URL, ConnectRetries: 1})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestConnectFailsFatalOnAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ConnectRetries: 3, ConnectRetryGap: time.Millisecond})
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "authentication rejected") {
		t.Errorf("expected a fatal auth error, got: %v", err)
	}
}

func TestLicensingInfoHasModule(t *testing.T) {
	c := newTestClient(t, map[string]any{
		"backend_getLicensingInfo": []string{"linux-agent", "uefi"},
	})
	info, err := c.LicensingInfo(context.Background())
	if err != nil {
		t.Fatalf("LicensingInfo: %v", err)
	}
	if !info.HasModule("uefi") {
		t.Error("expected uefi module to be licensed")
	}
	if info.HasModule("vpn") {
		t.Error("did not expect vpn module to be licensed")
	}
}

func TestNetbootActionsDecodesObjects(t *testing.T) {
	c := newTestClient(t, map[string]any{
		"productOnClient_getObjects": []map[string]any{
			{
				"clientId":      "pc01.lab.example",
				"productId":     "win10",
				"actionRequest": "setup",
			},
		},
	})
	actions, err := c.NetbootActions(context.Background(), []string{"pc01.lab.example"}, ActionRequests)
	if err != nil {
		t.Fatalf("NetbootActions: %v", err)
	}
	if len(actions) != 1 || actions[0].ClientID != "pc01.lab.example" {
		t.Errorf("unexpected actions: %+v", actions)
	}
}

func TestHostReturnsNilWhenAbsent(t *testing.T) {
	c := newTestClient(t, map[string]any{
		"host_getObjects": []hostWire{},
	})
	host, err := c.Host(context.Background(), "missing.lab.example")
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	if host != nil {
		t.Errorf("expected nil host, got %+v", host)
	}
}

func TestConfigValuesKeyedByObjectID(t *testing.T) {
	c := newTestClient(t, map[string]any{
		"configState_getObjects": []configStateWire{
			{ConfigID: "clientconfig.depot.id", ObjectID: "pc01.lab.example", Values: []string{"depot1"}},
		},
	})
	values, err := c.ConfigValues(context.Background(), []string{"clientconfig.depot.id"}, []string{"pc01.lab.example"})
	if err != nil {
		t.Fatalf("ConfigValues: %v", err)
	}
	if values["pc01.lab.example"]["clientconfig.depot.id"] != "depot1" {
		t.Errorf("unexpected values: %+v", values)
	}
}

func TestProductPropertyDefaultValuesJoinsMultiValue(t *testing.T) {
	c := newTestClient(t, map[string]any{
		"productProperty_getObjects": []productPropertyWire{
			{PropertyID: "os_language", ProductID: "win10", DefaultValues: []string{"en", "de"}},
		},
	})
	defaults, err := c.ProductPropertyDefaultValues(context.Background(), "win10")
	if err != nil {
		t.Fatalf("ProductPropertyDefaultValues: %v", err)
	}
	if defaults["os_language"] != "en,de" {
		t.Errorf("unexpected defaults: %+v", defaults)
	}
}
