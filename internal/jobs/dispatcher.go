package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"

	"github.com/satimage/compositor/internal/auth"
	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/geo"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

// ErrValidation marks request-shape failures surfaced synchronously to the
// submitter; no job is created for them.
var ErrValidation = errors.New("invalid processing request")

const dateLayout = "2006-01-02"

// Dispatcher validates processing requests, fails fast on missing auth, and
// hands accepted jobs to their adapter on a background goroutine.
type Dispatcher struct {
	store     *Store
	tracker   *auth.Tracker
	providers provider.Registry
	policy    config.PolicyConfig
	outputDir string
}

func NewDispatcher(store *Store, tracker *auth.Tracker, providers provider.Registry, policy config.PolicyConfig, outputDir string) *Dispatcher {
	return &Dispatcher{
		store:     store,
		tracker:   tracker,
		providers: providers,
		policy:    policy,
		outputDir: outputDir,
	}
}

// Submit validates req and schedules one background job, returning its id
// immediately. Validation and pre-dispatch auth failures never create a job.
func (d *Dispatcher) Submit(ctx context.Context, req models.ProcessingRequest) (string, error) {
	adapter, geometry, err := d.validate(req)
	if err != nil {
		return "", err
	}

	if adapter.RequiresAuth() && !d.tracker.Ready(req.Provider) {
		return "", fmt.Errorf("%w: provider %s is not authenticated, log in first", provider.ErrAuthRequired, req.Provider)
	}

	spec := d.resolveSpec(req, geometry)

	job, owner := d.store.Create(req.Provider)
	spec.OutputPath = filepath.Join(d.outputDir, outputFilename(req.Provider, job.ID))

	go d.execute(adapter, spec, owner)

	return job.ID, nil
}

// validate checks request shape and geometry. All failures wrap ErrValidation.
func (d *Dispatcher) validate(req models.ProcessingRequest) (models.ImageryProvider, orb.Geometry, error) {
	if !req.Provider.Known() {
		return nil, nil, fmt.Errorf("%w: unknown provider %q", ErrValidation, req.Provider)
	}
	adapter, err := d.providers.Resolve(req.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: start_date must be YYYY-MM-DD", ErrValidation)
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: end_date must be YYYY-MM-DD", ErrValidation)
	}
	if end.Before(start) {
		return nil, nil, fmt.Errorf("%w: end_date is before start_date", ErrValidation)
	}

	if req.MaxCloud != nil && (*req.MaxCloud < 0 || *req.MaxCloud > 100) {
		return nil, nil, fmt.Errorf("%w: max_cloud must be in 0..100", ErrValidation)
	}
	if req.CloudProbThreshold != nil && (*req.CloudProbThreshold < 0 || *req.CloudProbThreshold > 100) {
		return nil, nil, fmt.Errorf("%w: cloud_prob_threshold must be in 0..100", ErrValidation)
	}
	if req.Resolution < 0 {
		return nil, nil, fmt.Errorf("%w: resolution must be positive", ErrValidation)
	}
	if req.Provider == models.ProviderGEE && req.Collection != "" &&
		req.Collection != "sentinel2" && req.Collection != "landsat" {
		return nil, nil, fmt.Errorf("%w: collection must be sentinel2 or landsat", ErrValidation)
	}

	geometry, err := geo.Normalize(req.AOIGeoJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := geo.Validate(geometry); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return adapter, geometry, nil
}

// resolveSpec applies the provider's policy defaults to the request.
func (d *Dispatcher) resolveSpec(req models.ProcessingRequest, geometry orb.Geometry) models.RunSpec {
	collection := req.Collection
	if req.Provider == models.ProviderGEE && collection == "" {
		collection = "sentinel2"
	}
	key := config.BandKey(req.Provider, collection)

	bands := req.Bands
	if len(bands) == 0 {
		bands = d.policy.DefaultBands[key]
	}
	resolution := req.Resolution
	if resolution == 0 {
		resolution = d.policy.DefaultResolution[key]
	}
	maxCloud := 30
	if req.MaxCloud != nil {
		maxCloud = *req.MaxCloud
	}
	cloudProb := 50
	if req.CloudProbThreshold != nil {
		cloudProb = *req.CloudProbThreshold
	}

	return models.RunSpec{
		Geometry:   geometry,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		MaxCloud:   maxCloud,
		CloudProb:  cloudProb,
		Collection: collection,
		Bands:      bands,
		Resolution: resolution,
	}
}

// execute runs one job to a terminal state. It recovers from panics and never
// lets one job's failure touch another.
func (d *Dispatcher) execute(adapter models.ImageryProvider, spec models.RunSpec, owner *Owner) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job execution", "job_id", owner.ID(), "provider", adapter.Name(), "error", r)
			owner.Failed(fmt.Sprintf("internal error: %v", r))
		}
	}()

	owner.Processing("Starting processing...")

	output, err := adapter.Run(context.Background(), spec, owner.Progress)
	if err != nil {
		slog.Error("job failed", "job_id", owner.ID(), "provider", adapter.Name(), "error", err)
		owner.Failed(err.Error())
		return
	}

	slog.Info("job completed", "job_id", owner.ID(), "provider", adapter.Name(), "output", output)
	owner.Completed(filepath.Base(output), "Processing finished.")
}

// outputFilename builds the unique per-job raster name. The job id keeps two
// jobs from ever sharing a file.
func outputFilename(p models.Provider, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.tif", p, time.Now().Format("20060102_150405"), short)
}
