package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/coderunreport/internal/gcp"
	"github.com/Lllllllleong/coderunreport/internal/services"
)

var (
	generatorInstance *services.ReportGeneratorFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// One instance holds one session: every function shares its pending files and reports.
	functions.HTTP("HandleAddFiles", withGenerator((*services.ReportGeneratorFunction).HandleAddFiles))
	functions.HTTP("HandleGenerateReport", withGenerator((*services.ReportGeneratorFunction).HandleGenerateReport))
	functions.HTTP("HandleListReports", withGenerator((*services.ReportGeneratorFunction).HandleListReports))
	functions.HTTP("HandleDownloadReport", withGenerator((*services.ReportGeneratorFunction).HandleDownloadReport))
}

// main serves every registered function locally. Deployed, the Functions
// Framework picks the target from FUNCTION_TARGET.
func main() {
	port := gcp.GetEnv("PORT", "8080")
	if err := funcframework.Start(port); err != nil {
		slog.Error("Functions Framework exited", "error", err)
		os.Exit(1)
	}
}

// withGenerator initializes the shared instance on first use and hands the
// request to handler.
func withGenerator(handler func(*services.ReportGeneratorFunction, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			generatorInstance, initErr = services.NewReportGenerator(context.Background())
		})
		if initErr != nil {
			slog.Error("Critical: Report generator initialization failed", "error", initErr)
			http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
			return
		}
		handler(generatorInstance, w, r)
	}
}
