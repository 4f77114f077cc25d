// Package gcp implements the restore gateway against the Google Cloud APIs.
//
// Disks and instances are restored through the Compute Engine API and
// tracked as zonal operations. Clusters are restored through a Backup for
// GKE restore plan and tracked as location operations. Every API error is classified as
// transient, throttled or permanent before it reaches the scheduler.
package gcp

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/gkebackup/v1"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// Handle API names.
const (
	APICompute = "compute.zoneOperations"
	APIBackup  = "gkebackup.operations"
)

// BackupLabel is added to every restored resource and names the snapshot it
// was restored from.
const BackupLabel = "snapcrab-restored-from"

// Gateway restores resources through the Compute Engine and Backup for GKE
// APIs.
type Gateway struct {
	compute *compute.Service
	backup  *gkebackup.Service
	config  Config
}

// New creates a Gateway with clients built from cfg.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := cfg.clientOptions()
	computeSvc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	backupSvc, err := gkebackup.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gkebackup client: %w", err)
	}

	return NewWithServices(computeSvc, backupSvc, cfg), nil
}

// NewWithServices creates a Gateway from existing API clients.
func NewWithServices(computeSvc *compute.Service, backupSvc *gkebackup.Service, cfg Config) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Gateway{compute: computeSvc, backup: backupSvc, config: cfg}
}

func (g *Gateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.config.RequestTimeout)
}

// Submit implements engine.Gateway.
func (g *Gateway) Submit(ctx context.Context, kind engine.ResourceKind, target engine.TargetSpec, snapshot engine.SnapshotRef) (engine.OperationHandle, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	log.Debug().
		Str("kind", string(kind)).
		Str("target", target.String()).
		Str("snapshot", snapshot.Name).
		Msg("submitting restore")

	switch kind {
	case engine.KindDisk:
		return g.insertDisk(ctx, target, snapshot)
	case engine.KindInstance:
		return g.insertInstance(ctx, target, snapshot)
	case engine.KindCluster:
		return g.restoreCluster(ctx, target, snapshot)
	default:
		return engine.OperationHandle{}, engine.NewPermanentError(
			fmt.Sprintf("unsupported resource kind %q", kind), nil,
		).WithCode(engine.ErrCodeInvalidArgument).WithOperation("submit").WithResource(target.String())
	}
}

func (g *Gateway) insertDisk(ctx context.Context, target engine.TargetSpec, snapshot engine.SnapshotRef) (engine.OperationHandle, error) {
	disk := &compute.Disk{
		Name:           target.Name,
		SourceSnapshot: globalURL(snapshotProject(target, snapshot), "snapshots", snapshot.Name),
		Labels:         restoreLabels(target.Labels, snapshot),
	}

	op, err := g.compute.Disks.Insert(target.Project, target.Location, disk).Context(ctx).Do()
	if err != nil {
		return engine.OperationHandle{}, classify("submit", target.String(), err)
	}
	return computeHandle(op, target), nil
}

func (g *Gateway) insertInstance(ctx context.Context, target engine.TargetSpec, snapshot engine.SnapshotRef) (engine.OperationHandle, error) {
	instance := &compute.Instance{
		Name:               target.Name,
		SourceMachineImage: globalURL(snapshotProject(target, snapshot), "machineImages", snapshot.Name),
		Labels:             restoreLabels(target.Labels, snapshot),
	}
	if target.MachineType != "" {
		instance.MachineType = fmt.Sprintf("zones/%s/machineTypes/%s", target.Location, target.MachineType)
	}
	for _, name := range target.Disks {
		instance.Disks = append(instance.Disks, &compute.AttachedDisk{
			Source:     fmt.Sprintf("projects/%s/zones/%s/disks/%s", target.Project, target.Location, name),
			DeviceName: name,
			Mode:       "READ_WRITE",
			AutoDelete: false,
		})
	}

	op, err := g.compute.Instances.Insert(target.Project, target.Location, instance).Context(ctx).Do()
	if err != nil {
		return engine.OperationHandle{}, classify("submit", target.String(), err)
	}
	return computeHandle(op, target), nil
}

// restoreCluster creates a Backup for GKE restore of the backup into the
// cluster named by the target's restore plan.
func (g *Gateway) restoreCluster(ctx context.Context, target engine.TargetSpec, snapshot engine.SnapshotRef) (engine.OperationHandle, error) {
	if target.RestorePlan == "" {
		return engine.OperationHandle{}, engine.NewPermanentError("cluster restore needs a restore plan", nil).
			WithCode(engine.ErrCodeInvalidArgument).WithOperation("submit").WithResource(target.String())
	}

	restore := &gkebackup.Restore{
		Backup:      backupName(target, snapshot),
		Description: fmt.Sprintf("snapcrab restore of %s", target.Name),
		Labels:      restoreLabels(target.Labels, snapshot),
	}

	op, err := g.backup.Projects.Locations.RestorePlans.Restores.
		Create(restorePlanName(target), restore).
		RestoreId(restoreID(target.Name)).
		Context(ctx).Do()
	if err != nil {
		return engine.OperationHandle{}, classify("submit", target.String(), err)
	}
	return engine.OperationHandle{
		ID:          lastSegment(op.Name),
		API:         APIBackup,
		Project:     target.Project,
		Location:    target.Location,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll implements engine.Gateway.
func (g *Gateway) Poll(ctx context.Context, handle engine.OperationHandle) (engine.OperationStatus, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	switch handle.API {
	case APICompute:
		op, err := g.compute.ZoneOperations.Get(handle.Project, handle.Location, handle.ID).Context(ctx).Do()
		if err != nil {
			return engine.OperationStatus{}, classify("poll", handle.ID, err)
		}
		if op.Status != "DONE" {
			return engine.InProgress(), nil
		}
		if (op.Error != nil && len(op.Error.Errors) > 0) || op.HttpErrorStatusCode >= 400 {
			return engine.FailedWith(computeOperationError(op)), nil
		}
		return engine.Succeeded(), nil

	case APIBackup:
		op, err := g.backup.Projects.Locations.Operations.Get(locationOperationName(handle)).Context(ctx).Do()
		if err != nil {
			return engine.OperationStatus{}, classify("poll", handle.ID, err)
		}
		if !op.Done {
			return engine.InProgress(), nil
		}
		if opErr := backupOperationError(op); opErr != nil {
			return engine.FailedWith(opErr), nil
		}
		return engine.Succeeded(), nil

	default:
		return engine.OperationStatus{}, unknownAPI("poll", handle)
	}
}

// Cancel implements engine.Gateway. Compute Engine operations cannot be
// cancelled and always return a permanent error.
func (g *Gateway) Cancel(ctx context.Context, handle engine.OperationHandle) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	switch handle.API {
	case APICompute:
		return engine.NewPermanentError("compute operations cannot be cancelled", nil).
			WithCode(engine.ErrCodeInvalidArgument).WithOperation("cancel").WithResource(handle.ID)
	case APIBackup:
		_, err := g.backup.Projects.Locations.Operations.
			Cancel(locationOperationName(handle), &gkebackup.GoogleLongrunningCancelOperationRequest{}).
			Context(ctx).Do()
		if err != nil {
			return classify("cancel", handle.ID, err)
		}
		log.Info().Str("operation", handle.ID).Msg("requested operation cancellation")
		return nil
	default:
		return unknownAPI("cancel", handle)
	}
}

// CheckPrerequisites verifies that every project in the request is reachable
// and that every disk snapshot, machine image, cluster backup and restore
// plan exists. Each lookup gets its own request timeout. All failures are
// returned together.
func (g *Gateway) CheckPrerequisites(ctx context.Context, req engine.RestoreRequest) error {
	var errs error
	check := func(resource string, lookup func(ctx context.Context) error) {
		callCtx, cancel := g.callContext(ctx)
		defer cancel()
		if err := lookup(callCtx); err != nil {
			errs = multierr.Append(errs, prerequisite(resource, classify("check", resource, err)))
		}
	}

	seen := make(map[string]bool)
	for _, item := range req.Items {
		project := item.Target.Project
		if !seen[project] {
			seen[project] = true
			check(project, func(ctx context.Context) error {
				_, err := g.compute.Projects.Get(project).Context(ctx).Do()
				return err
			})
		}

		source := snapshotProject(item.Target, item.Snapshot)
		switch item.Snapshot.Type {
		case engine.SnapshotDisk:
			check(item.Snapshot.Name, func(ctx context.Context) error {
				_, err := g.compute.Snapshots.Get(source, item.Snapshot.Name).Context(ctx).Do()
				return err
			})
		case engine.SnapshotMachineImage:
			check(item.Snapshot.Name, func(ctx context.Context) error {
				_, err := g.compute.MachineImages.Get(source, item.Snapshot.Name).Context(ctx).Do()
				return err
			})
		case engine.SnapshotClusterBackup:
			check(item.Snapshot.Name, func(ctx context.Context) error {
				_, err := g.backup.Projects.Locations.BackupPlans.Backups.
					Get(backupName(item.Target, item.Snapshot)).Context(ctx).Do()
				return err
			})
			if item.Target.RestorePlan == "" {
				errs = multierr.Append(errs, prerequisite(item.Target.String(),
					engine.NewPermanentError("cluster restore needs a restore plan", nil).
						WithCode(engine.ErrCodeInvalidArgument)))
				continue
			}
			check(item.Target.RestorePlan, func(ctx context.Context) error {
				_, err := g.backup.Projects.Locations.RestorePlans.Get(restorePlanName(item.Target)).Context(ctx).Do()
				return err
			})
		}
	}
	return errs
}

func prerequisite(resource string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("prerequisite check failed for %s", resource), err).
		WithCode(engine.ErrCodePrerequisiteCheck).WithResource(resource)
}

func unknownAPI(op string, handle engine.OperationHandle) error {
	return engine.NewPermanentError(fmt.Sprintf("unknown operation API %q", handle.API), nil).
		WithCode(engine.ErrCodeInvalidArgument).WithOperation(op).WithResource(handle.ID)
}

func computeHandle(op *compute.Operation, target engine.TargetSpec) engine.OperationHandle {
	return engine.OperationHandle{
		ID:          lastSegment(op.Name),
		API:         APICompute,
		Project:     target.Project,
		Location:    target.Location,
		SubmittedAt: time.Now(),
	}
}

func locationOperationName(h engine.OperationHandle) string {
	return fmt.Sprintf("projects/%s/locations/%s/operations/%s", h.Project, h.Location, h.ID)
}

// restorePlanName resolves a short restore plan name against the target
// project and location.
func restorePlanName(target engine.TargetSpec) string {
	if strings.HasPrefix(target.RestorePlan, "projects/") {
		return target.RestorePlan
	}
	return fmt.Sprintf("projects/%s/locations/%s/restorePlans/%s", target.Project, target.Location, target.RestorePlan)
}

// backupName resolves a cluster backup given as "backupPlan/backup" against
// the snapshot project and the target location.
func backupName(target engine.TargetSpec, snapshot engine.SnapshotRef) string {
	if strings.HasPrefix(snapshot.Name, "projects/") {
		return snapshot.Name
	}
	plan, backup, _ := strings.Cut(snapshot.Name, "/")
	return fmt.Sprintf("projects/%s/locations/%s/backupPlans/%s/backups/%s",
		snapshotProject(target, snapshot), target.Location, plan, backup)
}

// restoreID returns a restore id unique per submission: the target name
// shortened to fit, plus a random suffix.
func restoreID(name string) string {
	id := labelValue(name)
	if len(id) > 54 {
		id = id[:54]
	}
	return id + "-" + uuid.NewString()[:8]
}

func globalURL(project, collection, name string) string {
	return fmt.Sprintf("projects/%s/global/%s/%s", project, collection, name)
}

func snapshotProject(target engine.TargetSpec, snapshot engine.SnapshotRef) string {
	if snapshot.Project != "" {
		return snapshot.Project
	}
	return target.Project
}

// lastSegment returns the operation id from a possibly fully qualified name.
func lastSegment(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func restoreLabels(labels map[string]string, snapshot engine.SnapshotRef) map[string]string {
	out := maps.Clone(labels)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[BackupLabel] = labelValue(snapshot.Name)
	return out
}

// labelValue maps s onto the label value alphabet: lowercase letters,
// digits, '-' and '_', at most 63 characters.
func labelValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() == 63 {
			break
		}
	}
	return b.String()
}
