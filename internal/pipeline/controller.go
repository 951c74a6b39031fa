// Package pipeline owns a session's pending files and reports and runs the
// upload, execute, persist flow over them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/coderunreport/internal/ingest"
	"github.com/Lllllllleong/coderunreport/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrency = 8
	DefaultStoreTimeout   = 10 * time.Second
)

// Executor runs source text and returns its output.
type Executor interface {
	Execute(ctx context.Context, code string) (string, error)
}

// Store persists a finished report.
type Store interface {
	Save(ctx context.Context, report models.Report) error
}

// Outcome is the result of processing one file: Report is set on success,
// Err on failure.
type Outcome struct {
	FileName string
	Report   *models.Report
	Err      error
}

// BatchError is returned by GenerateReport when at least one file failed.
// Failures are listed in input order.
type BatchError struct {
	Failures []Outcome
	Total    int
}

func (e *BatchError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.FileName
	}
	return fmt.Sprintf("%d of %d files failed: %s", len(e.Failures), e.Total, strings.Join(names, ", "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Config tunes a Controller. Zero values select the defaults.
type Config struct {
	MaxConcurrency int
	StoreTimeout   time.Duration
	// OnPersisted is called once per report after its store write finishes,
	// with the write's error. It runs on a background goroutine.
	OnPersisted func(report models.Report, err error)
	// NewID generates report ids. Defaults to random UUIDs.
	NewID func() string
}

// Controller holds one session's state. It is safe for concurrent use.
type Controller struct {
	executor Executor
	store    Store
	config   Config

	mu      sync.Mutex
	pending []ingest.File
	reports []models.Report

	inflight sync.WaitGroup
}

func NewController(executor Executor, store Store, config Config) *Controller {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.OnPersisted == nil {
		config.OnPersisted = logPersisted
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	return &Controller{executor: executor, store: store, config: config}
}

// AddFiles appends files to the pending list.
func (c *Controller) AddFiles(files ...ingest.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, files...)
}

// Pending returns the names of the pending files in the order they were added.
func (c *Controller) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.pending))
	for i, f := range c.pending {
		names[i] = f.Name()
	}
	return names
}

// Reports returns a copy of the displayed reports.
func (c *Controller) Reports() []models.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Report, len(c.reports))
	copy(out, c.reports)
	return out
}

// Report looks up a displayed report by id.
func (c *Controller) Report(id string) (models.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.reports {
		if r.ID == id {
			return r, true
		}
	}
	return models.Report{}, false
}

// GenerateReport reads and executes every pending file concurrently and waits
// for all of them. If every file succeeds, the displayed reports are replaced
// by one new report per file, in pending order, and each report is persisted
// in the background. If any file fails, the displayed reports are left as they
// were and a *BatchError describing every failure is returned.
//
// The pending list is not cleared.
func (c *Controller) GenerateReport(ctx context.Context) ([]models.Report, error) {
	c.mu.Lock()
	files := make([]ingest.File, len(c.pending))
	copy(files, c.pending)
	c.mu.Unlock()

	logCtx := slog.With("fileCount", len(files))
	logCtx.Info("Generating reports.")

	outcomes := c.process(ctx, files)

	var failures []Outcome
	reports := make([]models.Report, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			logCtx.Error("File failed.", "fileName", o.FileName, "error", o.Err)
			failures = append(failures, o)
			continue
		}
		reports = append(reports, *o.Report)
	}
	if len(failures) > 0 {
		return nil, &BatchError{Failures: failures, Total: len(outcomes)}
	}

	c.mu.Lock()
	c.reports = reports
	c.mu.Unlock()

	for _, r := range reports {
		c.persist(ctx, r)
	}

	logCtx.Info("Reports generated.")
	out := make([]models.Report, len(reports))
	copy(out, reports)
	return out, nil
}

// process runs every file to completion. A failing file does not cancel the
// others.
func (c *Controller) process(ctx context.Context, files []ingest.File) []Outcome {
	outcomes := make([]Outcome, len(files))
	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrency)

	for i, f := range files {
		g.Go(func() error {
			outcomes[i] = c.processFile(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Controller) processFile(ctx context.Context, f ingest.File) Outcome {
	name := f.Name()
	code, err := ingest.ReadText(ctx, f)
	if err != nil {
		return Outcome{FileName: name, Err: err}
	}
	result, err := c.executor.Execute(ctx, code)
	if err != nil {
		return Outcome{FileName: name, Err: fmt.Errorf("execute %s: %w", name, err)}
	}
	return Outcome{
		FileName: name,
		Report: &models.Report{
			ID:              c.config.NewID(),
			FileName:        name,
			Code:            code,
			ExecutionResult: result,
		},
	}
}

// persist writes r without blocking the caller. The write outlives ctx's
// cancellation but not StoreTimeout.
func (c *Controller) persist(ctx context.Context, r models.Report) {
	if c.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.StoreTimeout)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer cancel()
		c.config.OnPersisted(r, c.store.Save(storeCtx, r))
	}()
}

// Wait blocks until every store write started so far has finished.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func logPersisted(r models.Report, err error) {
	logCtx := slog.With("reportId", r.ID, "fileName", r.FileName)
	if err != nil {
		logCtx.Error("Failed to persist report.", "error", err)
		return
	}
	logCtx.Info("Report persisted.")
}

// Failures flattens err's per-file failures for display. Errors that are not
// batch errors yield nil.
func Failures(err error) []models.FileFailure {
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		return nil
	}
	out := make([]models.FileFailure, len(batchErr.Failures))
	for i, f := range batchErr.Failures {
		out[i] = models.FileFailure{FileName: f.FileName, Reason: f.Err.Error()}
	}
	return out
}
