package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/gkebackup/v1"
	"google.golang.org/api/googleapi"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

type request struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
}

// fakeAPI serves canned responses keyed by "METHOD path-suffix".
type fakeAPI struct {
	mu        sync.Mutex
	responses map[string][]response
	requests  []request

	// delay is spent before answering each request.
	delay time.Duration
}

type response struct {
	status int
	body   any
}

func (f *fakeAPI) on(method, suffix string, status int, body any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + " " + suffix
	f.responses[key] = append(f.responses[key], response{status, body})
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	time.Sleep(f.delay)

	req := request{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &req.Body)
	}
	f.requests = append(f.requests, req)

	for key, queue := range f.responses {
		method, suffix, _ := strings.Cut(key, " ")
		if method != r.Method || !strings.HasSuffix(r.URL.Path, suffix) || len(queue) == 0 {
			continue
		}
		resp := queue[0]
		if len(queue) > 1 {
			f.responses[key] = queue[1:]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_ = json.NewEncoder(w).Encode(resp.body)
		return
	}
	http.Error(w, `{"error":{"code":404,"message":"no route"}}`, http.StatusNotFound)
}

func (f *fakeAPI) last() request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func apiError(code int, reason, message string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": message,
		"errors":  []map[string]any{{"reason": reason, "message": message}},
	}}
}

func newTestGateway(t *testing.T) (*Gateway, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{responses: make(map[string][]response)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL + "/"
	cfg.HTTPClient = srv.Client()
	cfg.RequestTimeout = 5 * time.Second

	gw, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return gw, api
}

func zonal(name string) engine.TargetSpec {
	return engine.TargetSpec{Project: "proj", Location: "europe-west1-b", Name: name}
}

func TestGateway_SubmitDisk(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("POST", "/zones/europe-west1-b/disks", 200, compute.Operation{
		Name: "operation-123", Status: "PENDING",
	})

	target := zonal("data")
	target.Labels = map[string]string{"env": "prod"}
	h, err := gw.Submit(context.Background(), engine.KindDisk, target,
		engine.SnapshotRef{Name: "Data.Snap", Type: engine.SnapshotDisk, Project: "backups"})
	require.NoError(t, err)

	assert.Equal(t, "operation-123", h.ID)
	assert.Equal(t, APICompute, h.API)
	assert.Equal(t, "proj", h.Project)
	assert.Equal(t, "europe-west1-b", h.Location)

	req := api.last()
	assert.Contains(t, req.Path, "/projects/proj/zones/europe-west1-b/disks")
	assert.Equal(t, "data", req.Body["name"])
	assert.Equal(t, "projects/backups/global/snapshots/Data.Snap", req.Body["sourceSnapshot"])
	assert.Equal(t, map[string]any{"env": "prod", BackupLabel: "data-snap"}, req.Body["labels"])
	assert.Equal(t, "prod", target.Labels["env"])
	assert.NotContains(t, target.Labels, BackupLabel)
}

func TestGateway_SubmitInstance(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("POST", "/zones/europe-west1-b/instances", 200, compute.Operation{Name: "op-vm"})

	target := zonal("vm")
	target.Disks = []string{"boot", "data"}
	target.MachineType = "e2-standard-4"
	_, err := gw.Submit(context.Background(), engine.KindInstance, target,
		engine.SnapshotRef{Name: "image", Type: engine.SnapshotMachineImage})
	require.NoError(t, err)

	body := api.last().Body
	assert.Equal(t, "projects/proj/global/machineImages/image", body["sourceMachineImage"])
	assert.Equal(t, "zones/europe-west1-b/machineTypes/e2-standard-4", body["machineType"])
	disks, ok := body["disks"].([]any)
	require.True(t, ok)
	require.Len(t, disks, 2)
	assert.Equal(t, "projects/proj/zones/europe-west1-b/disks/data", disks[1].(map[string]any)["source"])
}

func TestGateway_SubmitCluster(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("POST", "/v1/projects/proj/locations/europe-west1/restorePlans/rp-prod/restores", 200,
		gkebackup.GoogleLongrunningOperation{Name: "projects/proj/locations/europe-west1/operations/operation-gke-1"})

	target := engine.TargetSpec{Project: "proj", Location: "europe-west1", Name: "gke", RestorePlan: "rp-prod"}
	h, err := gw.Submit(context.Background(), engine.KindCluster, target,
		engine.SnapshotRef{Name: "daily/nightly", Type: engine.SnapshotClusterBackup, Project: "backups"})
	require.NoError(t, err)

	assert.Equal(t, "operation-gke-1", h.ID)
	assert.Equal(t, APIBackup, h.API)
	assert.Equal(t, "europe-west1", h.Location)

	req := api.last()
	assert.Equal(t, "projects/backups/locations/europe-west1/backupPlans/daily/backups/nightly", req.Body["backup"])
	assert.Equal(t, map[string]any{BackupLabel: "daily-nightly"}, req.Body["labels"])
	assert.True(t, strings.HasPrefix(req.Query.Get("restoreId"), "gke-"))
	assert.Len(t, req.Query.Get("restoreId"), len("gke-")+8)
}

func TestGateway_SubmitClusterFullPaths(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("POST", "/v1/projects/ops/locations/us-central1/restorePlans/shared/restores", 200,
		gkebackup.GoogleLongrunningOperation{Name: "op-1"})

	backup := "projects/backups/locations/us-central1/backupPlans/daily/backups/b1"
	target := engine.TargetSpec{
		Project: "proj", Location: "europe-west1", Name: "gke",
		RestorePlan: "projects/ops/locations/us-central1/restorePlans/shared",
	}
	_, err := gw.Submit(context.Background(), engine.KindCluster, target,
		engine.SnapshotRef{Name: backup, Type: engine.SnapshotClusterBackup})
	require.NoError(t, err)
	assert.Equal(t, backup, api.last().Body["backup"])
}

func TestGateway_SubmitClusterWithoutRestorePlan(t *testing.T) {
	gw, api := newTestGateway(t)

	_, err := gw.Submit(context.Background(), engine.KindCluster,
		engine.TargetSpec{Project: "proj", Location: "europe-west1", Name: "gke"},
		engine.SnapshotRef{Name: "daily/nightly", Type: engine.SnapshotClusterBackup})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeInvalidArgument, ee.Code)
	assert.Zero(t, api.count(), "nothing is sent without a restore plan")
}

func TestGateway_SubmitErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
		class  engine.ErrorClass
		code   string
	}{
		{"rate limited", 429, "rateLimitExceeded", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"quota reason on 403", 403, "quotaExceeded", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"server error", 503, "backendError", engine.ErrorClassTransient, engine.ErrCodeUnavailable},
		{"permission denied", 403, "forbidden", engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"not found", 404, "notFound", engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"already exists", 409, "alreadyExists", engine.ErrorClassPermanent, engine.ErrCodeAlreadyExists},
		{"bad request", 400, "invalid", engine.ErrorClassPermanent, engine.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, api := newTestGateway(t)
			api.on("POST", "/disks", tt.status, apiError(tt.status, tt.reason, tt.name))

			_, err := gw.Submit(context.Background(), engine.KindDisk, zonal("data"),
				engine.SnapshotRef{Name: "s", Type: engine.SnapshotDisk})
			require.Error(t, err)
			assert.Equal(t, tt.class, engine.ClassOf(err))

			var ee *engine.EngineError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.code, ee.Code)
			assert.Equal(t, "submit", ee.Operation)

			var gerr *googleapi.Error
			assert.True(t, errors.As(err, &gerr), "underlying API error is kept")
		})
	}
}

func TestGateway_PollCompute(t *testing.T) {
	gw, api := newTestGateway(t)
	h := engine.OperationHandle{ID: "op-1", API: APICompute, Project: "proj", Location: "europe-west1-b"}

	api.on("GET", "/operations/op-1", 200, compute.Operation{Name: "op-1", Status: "RUNNING"})
	api.on("GET", "/operations/op-1", 200, compute.Operation{Name: "op-1", Status: "DONE"})

	st, err := gw.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationInProgress, st.Phase)

	st, err = gw.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationSucceeded, st.Phase)
}

func TestGateway_PollComputeFailure(t *testing.T) {
	tests := []struct {
		code  string
		class engine.ErrorClass
	}{
		{"QUOTA_EXCEEDED", engine.ErrorClassThrottled},
		{"ZONE_RESOURCE_POOL_EXHAUSTED", engine.ErrorClassTransient},
		{"RESOURCE_NOT_FOUND", engine.ErrorClassPermanent},
		{"SOMETHING_NEW", engine.ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			gw, api := newTestGateway(t)
			api.on("GET", "/operations/op-1", 200, compute.Operation{
				Name: "op-1", Status: "DONE",
				Error: &compute.OperationError{Errors: []*compute.OperationErrorErrors{
					{Code: tt.code, Message: "restore failed"},
				}},
			})

			st, err := gw.Poll(context.Background(), engine.OperationHandle{
				ID: "op-1", API: APICompute, Project: "proj", Location: "europe-west1-b",
			})
			require.NoError(t, err)
			assert.Equal(t, engine.OperationFailed, st.Phase)
			assert.Equal(t, tt.class, engine.ClassOf(st.Err))
			assert.Contains(t, st.Detail, "restore failed")
		})
	}
}

func TestGateway_PollBackup(t *testing.T) {
	gw, api := newTestGateway(t)
	h := engine.OperationHandle{ID: "op-gke", API: APIBackup, Project: "proj", Location: "europe-west1"}

	path := "/v1/projects/proj/locations/europe-west1/operations/op-gke"
	api.on("GET", path, 200, gkebackup.GoogleLongrunningOperation{Name: "op-gke"})
	api.on("GET", path, 200, gkebackup.GoogleLongrunningOperation{
		Name: "op-gke", Done: true,
		Error: &gkebackup.GoogleRpcStatus{Code: 8, Message: "quota"},
	})

	st, err := gw.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationInProgress, st.Phase)

	st, err = gw.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationFailed, st.Phase)
	assert.Equal(t, engine.ErrorClassThrottled, engine.ClassOf(st.Err))
}

func TestGateway_PollErrorIsClassified(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("GET", "/operations/op-1", 500, apiError(500, "backendError", "boom"))

	_, err := gw.Poll(context.Background(), engine.OperationHandle{
		ID: "op-1", API: APICompute, Project: "proj", Location: "europe-west1-b",
	})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestGateway_Cancel(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("POST", "/operations/op-gke:cancel", 200, map[string]any{})

	err := gw.Cancel(context.Background(), engine.OperationHandle{
		ID: "op-gke", API: APIBackup, Project: "proj", Location: "europe-west1",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/projects/proj/locations/europe-west1/operations/op-gke:cancel", api.last().Path)

	err = gw.Cancel(context.Background(), engine.OperationHandle{ID: "op-1", API: APICompute})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestGateway_UnknownAPI(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, err := gw.Poll(context.Background(), engine.OperationHandle{ID: "x", API: "sql"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestGateway_CheckPrerequisites(t *testing.T) {
	gw, api := newTestGateway(t)
	api.on("GET", "/projects/proj", 200, compute.Project{Name: "proj"})
	api.on("GET", "/global/snapshots/snap-ok", 200, compute.Snapshot{Name: "snap-ok"})
	api.on("GET", "/global/snapshots/snap-missing", 404, apiError(404, "notFound", "snapshot not found"))
	api.on("GET", "/global/machineImages/image", 200, compute.MachineImage{Name: "image"})
	api.on("GET", "/backupPlans/daily/backups/nightly", 200, gkebackup.Backup{Name: "nightly"})
	api.on("GET", "/restorePlans/rp-prod", 200, gkebackup.RestorePlan{Name: "rp-prod"})

	gke := engine.TargetSpec{Project: "proj", Location: "europe-west1", Name: "gke", RestorePlan: "rp-prod"}
	noPlan := engine.TargetSpec{Project: "proj", Location: "europe-west1", Name: "gke-2"}
	backup := engine.SnapshotRef{Name: "daily/nightly", Type: engine.SnapshotClusterBackup}

	req := engine.RestoreRequest{Items: []engine.RestoreItem{
		{Kind: engine.KindDisk, Snapshot: engine.SnapshotRef{Name: "snap-ok", Type: engine.SnapshotDisk}, Target: zonal("a")},
		{Kind: engine.KindDisk, Snapshot: engine.SnapshotRef{Name: "snap-missing", Type: engine.SnapshotDisk}, Target: zonal("b")},
		{Kind: engine.KindInstance, Snapshot: engine.SnapshotRef{Name: "image", Type: engine.SnapshotMachineImage}, Target: zonal("vm")},
		{Kind: engine.KindCluster, Snapshot: backup, Target: gke},
		{Kind: engine.KindCluster, Snapshot: backup, Target: noPlan},
	}}

	err := gw.CheckPrerequisites(context.Background(), req)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "snap-missing")
	assert.Contains(t, errs[1].Error(), "gke-2")
	assert.Contains(t, errs[1].Error(), "restore plan")
	for _, e := range errs {
		assert.True(t, engine.IsPermanent(e))
	}
}

func TestGateway_CheckPrerequisitesTimesOutPerLookup(t *testing.T) {
	gw, api := newTestGateway(t)
	gw.config.RequestTimeout = 300 * time.Millisecond
	api.delay = 100 * time.Millisecond

	var items []engine.RestoreItem
	for _, project := range []string{"p1", "p2", "p3"} {
		api.on("GET", "/projects/"+project, 200, compute.Project{Name: project})
		api.on("GET", "/global/snapshots/snap-"+project, 200, compute.Snapshot{Name: "snap-" + project})
		items = append(items, engine.RestoreItem{
			Kind:     engine.KindDisk,
			Snapshot: engine.SnapshotRef{Name: "snap-" + project, Type: engine.SnapshotDisk},
			Target:   engine.TargetSpec{Project: project, Location: "europe-west1-b", Name: "data"},
		})
	}

	// six lookups take longer than one request timeout together
	require.NoError(t, gw.CheckPrerequisites(context.Background(), engine.RestoreRequest{Items: items}))
	assert.Equal(t, 6, api.count())
}

func TestLastSegment(t *testing.T) {
	assert.Equal(t, "op", lastSegment("projects/p/locations/l/operations/op"))
	assert.Equal(t, "op", lastSegment("op"))
}

func TestLabelValue(t *testing.T) {
	assert.Equal(t, "nightly-2024-01-01", labelValue("Nightly.2024/01/01"))
	assert.Len(t, labelValue(strings.Repeat("a", 100)), 63)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.RequestTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CredentialsFile = "/does/not/exist.json"
	assert.Error(t, cfg.Validate())
}
