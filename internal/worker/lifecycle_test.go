package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/model"
	"github.com/x121ai/podbatch/internal/remote"
)

// fakeControlPlane scripts pod state transitions for lifecycle tests.
type fakeControlPlane struct {
	getResponses []model.WorkerInfo
	getCalls     int
	created      int
	resumed      int
	stopped      int
	terminated   int
	proxyURL     string
}

func (f *fakeControlPlane) Create(ctx context.Context, name string) (model.WorkerInfo, error) {
	f.created++
	return model.WorkerInfo{ID: "pod-1", Name: name, DesiredStatus: "CREATED"}, nil
}

func (f *fakeControlPlane) Get(ctx context.Context, podID string) (model.WorkerInfo, error) {
	if f.getCalls >= len(f.getResponses) {
		return f.getResponses[len(f.getResponses)-1], nil
	}
	info := f.getResponses[f.getCalls]
	f.getCalls++
	return info, nil
}

func (f *fakeControlPlane) Resume(ctx context.Context, podID string) error {
	f.resumed++
	return nil
}

func (f *fakeControlPlane) Stop(ctx context.Context, podID string) error {
	f.stopped++
	return nil
}

func (f *fakeControlPlane) Terminate(ctx context.Context, podID string) error {
	f.terminated++
	return nil
}

func (f *fakeControlPlane) ProxyURL(podID string) string { return f.proxyURL }

// fakeShell answers every command successfully.
type fakeShell struct {
	runs   []string
	closed bool
}

func (s *fakeShell) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.runs = append(s.runs, command)
	return "ok", nil
}
func (s *fakeShell) Upload(ctx context.Context, localPath, remotePath string) error   { return nil }
func (s *fakeShell) Download(ctx context.Context, remotePath, localPath string) error { return nil }
func (s *fakeShell) Close() error {
	s.closed = true
	return nil
}

func runningInfo(id string) model.WorkerInfo {
	return model.WorkerInfo{ID: id, DesiredStatus: "RUNNING", SSHHost: "1.2.3.4", SSHPort: "2222"}
}

func testController(cp *fakeControlPlane, shell *fakeShell, cfg *config.ComfyConfig) *Controller {
	ctrl := NewController(cp, &config.SSHConfig{User: "root"}, cfg, testLogger())
	ctrl.pollInterval = time.Millisecond
	ctrl.dial = func(host, port string, _ *config.SSHConfig) (remote.Shell, error) {
		return shell, nil
	}
	return ctrl
}

func TestProvision_CreateThenReady(t *testing.T) {
	cp := &fakeControlPlane{
		proxyURL: "https://pod-1-8188.proxy.example.net",
		getResponses: []model.WorkerInfo{
			{ID: "pod-1", DesiredStatus: "CREATED"}, // runtime not up yet
			runningInfo("pod-1"),
		},
	}
	shell := &fakeShell{}
	ctrl := testController(cp, shell, &config.ComfyConfig{ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1})

	if err := ctrl.Provision(context.Background(), "", "batch-1"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if cp.created != 1 {
		t.Errorf("expected one create, got %d", cp.created)
	}
	if ctrl.State() != model.WorkerReady {
		t.Errorf("expected ready state, got %s", ctrl.State())
	}
	if !ctrl.Created() {
		t.Error("controller must mark the pod as created")
	}
	if ctrl.Comfy() == nil || ctrl.Comfy().BaseURL() != cp.proxyURL {
		t.Error("generation client not bound to the proxy URL")
	}
	if len(shell.runs) == 0 || shell.runs[0] != "echo ok" {
		t.Errorf("expected ssh probe, got %v", shell.runs)
	}
}

func TestProvision_AdoptResumesStoppedPod(t *testing.T) {
	cp := &fakeControlPlane{
		proxyURL: "https://pod-9-8188.proxy.example.net",
		getResponses: []model.WorkerInfo{
			{ID: "pod-9", DesiredStatus: "EXITED"},
			runningInfo("pod-9"),
		},
	}
	ctrl := testController(cp, &fakeShell{}, &config.ComfyConfig{ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1})

	if err := ctrl.Provision(context.Background(), "pod-9", "unused"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if cp.resumed != 1 {
		t.Errorf("expected resume for stopped pod, got %d", cp.resumed)
	}
	if cp.created != 0 {
		t.Error("adoption must not create a pod")
	}
	if ctrl.Created() {
		t.Error("adopted pod must not be marked created")
	}
}

func TestProvision_TimeoutClassified(t *testing.T) {
	cp := &fakeControlPlane{
		getResponses: []model.WorkerInfo{{ID: "pod-1", DesiredStatus: "CREATED"}},
	}
	ctrl := testController(cp, &fakeShell{}, &config.ComfyConfig{ProvisionTimeout: 0, PollIntervalSec: 1, MessageWaitSec: 1})

	err := ctrl.Provision(context.Background(), "", "batch-1")
	if !errors.Is(err, model.ErrProvisionTimeout) {
		t.Errorf("expected provision timeout, got %v", err)
	}
}

func TestTeardown_CreatedPodTerminated(t *testing.T) {
	cp := &fakeControlPlane{
		proxyURL:     "https://x",
		getResponses: []model.WorkerInfo{runningInfo("pod-1")},
	}
	shell := &fakeShell{}
	ctrl := testController(cp, shell, &config.ComfyConfig{ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1})
	if err := ctrl.Provision(context.Background(), "", "batch-1"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	ctrl.Teardown(context.Background(), false)
	if cp.terminated != 1 || cp.stopped != 0 {
		t.Errorf("expected terminate, got stop=%d terminate=%d", cp.stopped, cp.terminated)
	}
	if !shell.closed {
		t.Error("teardown must close the shell")
	}
	if ctrl.State() != model.WorkerTerminated {
		t.Errorf("expected terminated state, got %s", ctrl.State())
	}
}

func TestTeardown_KeepStopsInsteadOfTerminating(t *testing.T) {
	cp := &fakeControlPlane{
		proxyURL:     "https://x",
		getResponses: []model.WorkerInfo{runningInfo("pod-1")},
	}
	ctrl := testController(cp, &fakeShell{}, &config.ComfyConfig{ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1})
	if err := ctrl.Provision(context.Background(), "", "batch-1"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	ctrl.Teardown(context.Background(), true)
	if cp.stopped != 1 || cp.terminated != 0 {
		t.Errorf("expected stop, got stop=%d terminate=%d", cp.stopped, cp.terminated)
	}
	if ctrl.State() != model.WorkerStopped {
		t.Errorf("expected stopped state, got %s", ctrl.State())
	}
}

func TestTeardown_AdoptedPodLeftRunning(t *testing.T) {
	cp := &fakeControlPlane{
		proxyURL:     "https://x",
		getResponses: []model.WorkerInfo{runningInfo("pod-9")},
	}
	ctrl := testController(cp, &fakeShell{}, &config.ComfyConfig{ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1})
	if err := ctrl.Provision(context.Background(), "pod-9", "unused"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	ctrl.Teardown(context.Background(), false)
	if cp.stopped != 0 || cp.terminated != 0 {
		t.Errorf("adopted pod must be left alone, got stop=%d terminate=%d", cp.stopped, cp.terminated)
	}
}

func TestEnsureReady_HealthyService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/system_stats" {
			fmt.Fprint(w, `{"system": {}}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cp := &fakeControlPlane{
		proxyURL:     srv.URL,
		getResponses: []model.WorkerInfo{runningInfo("pod-1")},
	}
	ctrl := testController(cp, &fakeShell{}, &config.ComfyConfig{ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1})
	if err := ctrl.Provision(context.Background(), "", "batch-1"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	if err := ctrl.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready failed: %v", err)
	}
	if ctrl.State() != model.WorkerHealthy {
		t.Errorf("expected healthy state, got %s", ctrl.State())
	}
}

func TestEnsureReady_DeadServiceUnrecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	cp := &fakeControlPlane{
		proxyURL:     srv.URL,
		getResponses: []model.WorkerInfo{runningInfo("pod-1")},
	}
	shell := &fakeShell{}
	// StartupTimeout 0: the restart window closes immediately.
	ctrl := testController(cp, shell, &config.ComfyConfig{
		ProvisionTimeout: 5, PollIntervalSec: 1, MessageWaitSec: 1,
		StartupScript: "/workspace/start.sh", Dir: "/workspace/ComfyUI",
	})
	if err := ctrl.Provision(context.Background(), "", "batch-1"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	err := ctrl.EnsureReady(context.Background())
	if !errors.Is(err, model.ErrWorkerUnrecoverable) {
		t.Fatalf("expected unrecoverable error, got %v", err)
	}
	// The restart must have been attempted over the shell.
	if len(shell.runs) < 2 {
		t.Errorf("expected a launch command after the probe, got %v", shell.runs)
	}
}
