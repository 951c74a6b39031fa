package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/coderunreport/internal/execution"
	"github.com/Lllllllleong/coderunreport/internal/gcp"
	"github.com/Lllllllleong/coderunreport/internal/ingest"
	"github.com/Lllllllleong/coderunreport/internal/models"
	"github.com/Lllllllleong/coderunreport/internal/pipeline"
	"github.com/Lllllllleong/coderunreport/internal/store"
)

// GCSEvent is the payload of a Cloud Storage object event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// SourceIngestFunction turns each source file dropped into a bucket into a
// persisted report.
type SourceIngestFunction struct {
	executor     pipeline.Executor
	store        pipeline.Store
	storeTimeout time.Duration
	openFile     func(e GCSEvent) ingest.File
}

// NewSourceIngest creates a SourceIngestFunction from the same environment as
// the report generator.
func NewSourceIngest(ctx context.Context) (*SourceIngestFunction, error) {
	config, err := LoadReportGeneratorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	executionClient, err := execution.NewClient(config.ExecutionURL, config.ExecutionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID, config.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		_ = closeAll([]io.Closer{firestoreClient})
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}

	f := NewSourceIngestFunction(
		executionClient,
		store.NewFirestoreStore(firestoreClient, config.CollectionName),
		config.StoreTimeout,
		func(e GCSEvent) ingest.File { return ingest.NewGCSFile(storageClient, e.Bucket, e.Name) },
	)
	slog.Info("Source ingest initialized.", "collection", config.CollectionName)
	return f, nil
}

// NewSourceIngestFunction assembles a SourceIngestFunction from ready dependencies.
func NewSourceIngestFunction(executor pipeline.Executor, st pipeline.Store, storeTimeout time.Duration, openFile func(GCSEvent) ingest.File) *SourceIngestFunction {
	return &SourceIngestFunction{executor: executor, store: st, storeTimeout: storeTimeout, openFile: openFile}
}

// Process runs one uploaded object through a single-file batch and waits for
// the report to be stored. A nil report with a nil error means the object
// was skipped.
func (f *SourceIngestFunction) Process(ctx context.Context, e GCSEvent) (*models.Report, error) {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if e.Bucket == "" || e.Name == "" {
		return nil, errors.New("event is missing bucket or object name")
	}
	if strings.HasSuffix(e.Name, "/") {
		logCtx.Info("Object is a folder placeholder. Skipping.")
		return nil, nil
	}
	logCtx.Info("Processing new source object.")

	var persistErr error
	controller := pipeline.NewController(f.executor, f.store, pipeline.Config{
		MaxConcurrency: 1,
		StoreTimeout:   f.storeTimeout,
		OnPersisted: func(_ models.Report, err error) {
			persistErr = err
		},
	})
	controller.AddFiles(f.openFile(e))

	reports, err := controller.GenerateReport(ctx)
	if err != nil {
		logCtx.Error("Failed to generate report", "error", err)
		return nil, err
	}
	controller.Wait()

	report := reports[0]
	logCtx = logCtx.With("reportId", report.ID)
	if persistErr != nil {
		logCtx.Error("Failed to persist report", "error", persistErr)
		return &report, persistErr
	}
	logCtx.Info("Report generated and persisted.")
	return &report, nil
}
