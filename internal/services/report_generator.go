package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/coderunreport/internal/execution"
	"github.com/Lllllllleong/coderunreport/internal/export"
	"github.com/Lllllllleong/coderunreport/internal/gcp"
	"github.com/Lllllllleong/coderunreport/internal/ingest"
	"github.com/Lllllllleong/coderunreport/internal/models"
	"github.com/Lllllllleong/coderunreport/internal/pipeline"
	"github.com/Lllllllleong/coderunreport/internal/store"
)

// maxUploadMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const maxUploadMemory = 32 << 20

// ReportGeneratorConfig holds configuration for the report-generator service.
type ReportGeneratorConfig struct {
	ProjectID        string
	DatabaseID       string
	ExecutionURL     string
	CollectionName   string
	ReportsBucket    string
	ExecutionTimeout time.Duration
	StoreTimeout     time.Duration
	MaxConcurrency   int
}

// LoadReportGeneratorConfig loads and validates the service's environment variables.
func LoadReportGeneratorConfig() (*ReportGeneratorConfig, error) {
	config := &ReportGeneratorConfig{
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		DatabaseID:     gcp.GetEnv("FIRESTORE_DATABASE", ""),
		ExecutionURL:   gcp.GetEnv("EXECUTION_URL", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", store.DefaultCollection),
		ReportsBucket:  gcp.GetEnv("REPORTS_BUCKET", ""),
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.ExecutionURL == "" {
		return nil, fmt.Errorf("EXECUTION_URL environment variable must be set")
	}

	var err error
	if config.ExecutionTimeout, err = gcp.GetEnvDuration("EXECUTION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.StoreTimeout, err = gcp.GetEnvDuration("STORE_TIMEOUT", pipeline.DefaultStoreTimeout); err != nil {
		return nil, err
	}
	if config.MaxConcurrency, err = gcp.GetEnvInt("MAX_CONCURRENCY", pipeline.DefaultMaxConcurrency); err != nil {
		return nil, err
	}
	return config, nil
}

// Archiver keeps a copy of an exported artifact.
type Archiver interface {
	Archive(ctx context.Context, reportID string, art export.Artifact) error
}

// ReportGeneratorFunction holds the session's controller and the exporter
// behind the report-generator HTTP functions.
type ReportGeneratorFunction struct {
	controller *pipeline.Controller
	exporter   *export.Exporter
	archiver   Archiver
	closers    []io.Closer
}

// NewReportGenerator creates a ReportGeneratorFunction from the environment.
// The Firestore and Storage clients it creates live until Close.
func NewReportGenerator(ctx context.Context) (*ReportGeneratorFunction, error) {
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
	closers := []io.Closer{firestoreClient}

	var archiver Archiver
	if config.ReportsBucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			_ = closeAll(closers)
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		closers = append(closers, storageClient)
		archiver = &GCSArchiver{bucket: storageClient.Bucket(config.ReportsBucket)}
	}

	controller := newController(executionClient, firestoreClient, config)
	f := NewReportGeneratorFunction(controller, export.New(), archiver)
	f.closers = closers
	slog.Info("Report generator initialized.", "collection", config.CollectionName, "archive", config.ReportsBucket != "")
	return f, nil
}

func newController(exec pipeline.Executor, client *firestore.Client, config *ReportGeneratorConfig) *pipeline.Controller {
	return pipeline.NewController(exec, store.NewFirestoreStore(client, config.CollectionName), pipeline.Config{
		MaxConcurrency: config.MaxConcurrency,
		StoreTimeout:   config.StoreTimeout,
	})
}

// NewReportGeneratorFunction assembles a ReportGeneratorFunction from ready
// dependencies. archiver may be nil.
func NewReportGeneratorFunction(controller *pipeline.Controller, exporter *export.Exporter, archiver Archiver) *ReportGeneratorFunction {
	return &ReportGeneratorFunction{controller: controller, exporter: exporter, archiver: archiver}
}

// Close waits for in-flight store writes, then closes the clients.
func (f *ReportGeneratorFunction) Close() error {
	f.controller.Wait()
	return closeAll(f.closers)
}

// closeAll closes every client, most recently opened first, and joins their
// errors.
func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleAddFiles accepts a multipart form with one or more "files" parts and
// appends them to the pending list.
func (f *ReportGeneratorFunction) HandleAddFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		slog.Warn("Could not parse multipart form", "error", err)
		http.Error(w, "Bad Request: could not parse multipart form", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	files := make([]ingest.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			slog.Warn("Could not read uploaded file", "fileName", fh.Filename, "error", err)
			http.Error(w, "Bad Request: could not read uploaded file", http.StatusBadRequest)
			return
		}
		files = append(files, ingest.NewMemoryFile(fh.Filename, data))
	}
	f.controller.AddFiles(files...)
	slog.Info("Files added.", "added", len(files))

	writeJSON(w, http.StatusOK, models.AddFilesResponse{PendingFiles: f.controller.Pending()})
}

// HandleGenerateReport runs the pending files through the pipeline.
func (f *ReportGeneratorFunction) HandleGenerateReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	reports, err := f.controller.GenerateReport(r.Context())
	if err != nil {
		// Each failure is already logged by the controller.
		writeJSON(w, failureStatus(err), models.GenerateReportFailure{
			Error:    err.Error(),
			Failures: pipeline.Failures(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, models.GenerateReportResponse{Reports: reports})
}

// failureStatus maps a failed batch to a response code: 502 when the
// execution service failed on any file, 422 when only uploads were unreadable.
func failureStatus(err error) int {
	var serviceErr *execution.ServiceError
	if errors.As(err, &serviceErr) {
		return http.StatusBadGateway
	}
	var readErr *ingest.ReadError
	if errors.As(err, &readErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// HandleListReports returns the report table.
func (f *ReportGeneratorFunction) HandleListReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	reports := f.controller.Reports()
	rows := make([]models.ReportRow, len(reports))
	for i, rep := range reports {
		rows[i] = models.ReportRow{ID: rep.ID, FileName: rep.FileName, ExecutionResult: rep.ExecutionResult}
	}
	writeJSON(w, http.StatusOK, models.ListReportsResponse{Reports: rows})
}

// HandleDownloadReport renders the report named by the "id" query parameter as a PDF.
func (f *ReportGeneratorFunction) HandleDownloadReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Bad Request: id is required", http.StatusBadRequest)
		return
	}
	report, ok := f.controller.Report(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	logCtx := slog.With("reportId", id, "fileName", report.FileName)
	art, err := f.exporter.Export(report)
	if err != nil {
		logCtx.Error("Failed to export report", "error", err)
		http.Error(w, "Internal Server Error: export failed", http.StatusInternalServerError)
		return
	}

	if f.archiver != nil {
		if err := f.archiver.Archive(r.Context(), id, art); err != nil {
			logCtx.Warn("Failed to archive exported report", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mimeAttachment(art.FileName))
	if _, err := w.Write(art.Content); err != nil {
		logCtx.Error("Failed to write response", "error", err)
	}
}

// GCSArchiver stores exported PDFs under <reportId>/<fileName>.
type GCSArchiver struct {
	bucket *storage.BucketHandle
}

func (a *GCSArchiver) Archive(ctx context.Context, reportID string, art export.Artifact) error {
	objectName := fmt.Sprintf("%s/%s", reportID, art.FileName)
	return gcp.SaveToGCSAtomically(ctx, a.bucket, objectName, "application/pdf", art.Content)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func mimeAttachment(fileName string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": fileName})
}
