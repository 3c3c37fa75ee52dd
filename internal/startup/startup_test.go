package startup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/config"
	"github.com/opsiorg/opsipxeconfd/internal/registry"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
	"github.com/opsiorg/opsipxeconfd/internal/update"
)

type fakeService struct {
	clientIDs []string
	actions   []serviceclient.ProductOnClient
	listErr   error
	hostCalls []string
}

func (f *fakeService) ClientIDsForDepot(ctx context.Context, depotID string) ([]string, error) {
	return f.clientIDs, f.listErr
}

func (f *fakeService) NetbootActions(ctx context.Context, clientIDs, actionRequests []string) ([]serviceclient.ProductOnClient, error) {
	return f.actions, nil
}

func (f *fakeService) Host(ctx context.Context, id string) (*serviceclient.Host, error) {
	f.hostCalls = append(f.hostCalls, id)
	return nil, nil
}
func (f *fakeService) ProductOnDepot(ctx context.Context, productID, depotID string) (*serviceclient.ProductOnDepot, error) {
	return nil, nil
}
func (f *fakeService) Product(ctx context.Context, id, productVersion, packageVersion string) (*serviceclient.Product, error) {
	return nil, nil
}
func (f *fakeService) ProductPropertyValues(ctx context.Context, productIDs, objectIDs []string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeService) ProductPropertyDefaultValues(ctx context.Context, productID string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeService) ConfigValues(ctx context.Context, configIDs, objectIDs []string) (map[string]map[string]string, error) {
	return nil, nil
}
func (f *fakeService) UpdateProductOnClient(ctx context.Context, poc serviceclient.ProductOnClient) error {
	return nil
}

func newTestPipeline(t *testing.T, svc *fakeService) *update.Pipeline {
	t.Helper()
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "install")
	os.WriteFile(templatePath, []byte("DEFAULT menu\n"), 0o644)
	pxeDir := filepath.Join(dir, "pxelinux.cfg")
	os.Mkdir(pxeDir, 0o755)

	confPath := filepath.Join(dir, "opsipxeconfd.yaml")
	os.WriteFile(confPath, []byte("depot_id: depot1\ndefault_template: "+templatePath+"\npxe_directory: "+pxeDir+"\n"), 0o644)
	store, err := config.NewStore(confPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	return update.New(svc, registry.New(), store, serviceclient.LicensingInfo{AvailableModules: map[string]struct{}{}})
}

func TestRunDedupesAndDrivesPipeline(t *testing.T) {
	svc := &fakeService{
		clientIDs: []string{"pc01.lab.example", "pc02.lab.example"},
		actions: []serviceclient.ProductOnClient{
			{ClientID: "pc01.lab.example", ProductID: "win10", ActionRequest: "setup", ModificationTime: time.Now()},
			{ClientID: "pc01.lab.example", ProductID: "office", ActionRequest: "setup", ModificationTime: time.Now()},
		},
	}
	task := New(svc, newTestPipeline(t, svc), "depot1")
	task.Run(context.Background())

	select {
	case <-task.Done():
	default:
		t.Fatal("expected Done() to be closed after Run returns")
	}
	// Two pending actions for pc01 must drive the pipeline once for pc01.
	if len(svc.hostCalls) != 1 || svc.hostCalls[0] != "pc01.lab.example" {
		t.Errorf("pipeline driven for %v, want [pc01.lab.example]", svc.hostCalls)
	}
}

func TestRunNoClientsIsNoOp(t *testing.T) {
	svc := &fakeService{}
	task := New(svc, newTestPipeline(t, svc), "depot1")
	task.Run(context.Background())

	select {
	case <-task.Done():
	default:
		t.Fatal("expected Done() to be closed")
	}
}

func TestStopBeforeRunSkipsAllIterations(t *testing.T) {
	svc := &fakeService{
		clientIDs: []string{"pc01.lab.example"},
		actions: []serviceclient.ProductOnClient{
			{ClientID: "pc01.lab.example", ProductID: "win10", ActionRequest: "setup"},
		},
	}
	task := New(svc, newTestPipeline(t, svc), "depot1")
	task.Stop()
	task.Run(context.Background())

	select {
	case <-task.Done():
	default:
		t.Fatal("expected Done() to be closed")
	}
	if len(svc.hostCalls) != 0 {
		t.Errorf("pipeline driven for %v after Stop, want none", svc.hostCalls)
	}
}

func TestListClientsErrorIsNonFatal(t *testing.T) {
	svc := &fakeService{listErr: context.DeadlineExceeded}
	task := New(svc, newTestPipeline(t, svc), "depot1")
	task.Run(context.Background())

	select {
	case <-task.Done():
	default:
		t.Fatal("expected Done() to be closed")
	}
}
