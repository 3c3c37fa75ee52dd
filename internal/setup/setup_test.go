package setup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsiorg/opsipxeconfd/internal/config"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
)

func fakeConfigService(t *testing.T, defaultValues []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		var result any
		switch req.Method {
		case "accessControl_authenticated":
			result = true
		case "config_getObjects":
			result = []map[string]any{{"id": bootimageAppendConfigID, "defaultValues": defaultValues}}
		default:
			result = nil
		}
		raw, _ := json.Marshal(result)
		resp := struct {
			ID     int             `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: req.ID, Result: raw}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestSnapshot(t *testing.T, pxeDir, serviceURL string) *config.Snapshot {
	t.Helper()
	confPath := filepath.Join(t.TempDir(), "opsipxeconfd.yaml")
	os.WriteFile(confPath, []byte("depot_id: depot1\npxe_directory: "+pxeDir+"\nservice_url: "+serviceURL+"\nlog_file: "+filepath.Join(pxeDir, "log", "opsipxeconfd.log")+"\n"), 0o644)
	store, err := config.NewStore(confPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store.Load()
}

func TestRunPatchesServiceURLIntoMenu(t *testing.T) {
	pxeDir := t.TempDir()
	menuPath := filepath.Join(pxeDir, "grub.cfg")
	os.WriteFile(menuPath, []byte("menuentry netboot {\n  linux ../install/vmlinuz console=ttyS0\n}\n"), 0o644)

	rpc := fakeConfigService(t, nil)
	defer rpc.Close()
	snap := newTestSnapshot(t, pxeDir, rpc.URL)

	svc := serviceclient.New(serviceclient.Config{URL: rpc.URL, ConnectRetries: 1})
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := Run(context.Background(), snap, svc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(menuPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "service="+rpc.URL+"/rpc") {
		t.Errorf("menu file not patched with service URL: %q", data)
	}
}

func TestRunPatchesHashedPassword(t *testing.T) {
	pxeDir := t.TempDir()
	menuPath := filepath.Join(pxeDir, "grub.cfg")
	os.WriteFile(menuPath, []byte("linux ../install/vmlinuz console=ttyS0\n"), 0o644)

	rpc := fakeConfigService(t, []string{"bootimageRootPassword=secret"})
	defer rpc.Close()
	snap := newTestSnapshot(t, pxeDir, rpc.URL)

	svc := serviceclient.New(serviceclient.Config{URL: rpc.URL, ConnectRetries: 1})
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := Run(context.Background(), snap, svc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(menuPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "pwh=") {
		t.Errorf("menu file missing pwh entry: %q", data)
	}
	if strings.Contains(string(data), "secret") {
		t.Error("clear-text password must not appear in patched menu file")
	}
}

func TestRunMissingMenuFileIsNotAnError(t *testing.T) {
	pxeDir := t.TempDir()
	rpc := fakeConfigService(t, nil)
	defer rpc.Close()
	snap := newTestSnapshot(t, pxeDir, rpc.URL)

	svc := serviceclient.New(serviceclient.Config{URL: rpc.URL, ConnectRetries: 1})
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := Run(context.Background(), snap, svc); err != nil {
		t.Errorf("Run should tolerate a missing grub.cfg, got: %v", err)
	}
}
