package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/Lllllllleong/coderunreport/internal/gcp"
	"github.com/Lllllllleong/coderunreport/internal/services"
)

var (
	ingestInstance *services.SourceIngestFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IngestSource", ingestSource)
}

func main() {
	port := gcp.GetEnv("PORT", "8080")
	if err := funcframework.Start(port); err != nil {
		slog.Error("Functions Framework exited", "error", err)
		os.Exit(1)
	}
}

// ingestSource is the Cloud Function entry point for object-finalized events.
func ingestSource(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		ingestInstance, initErr = services.NewSourceIngest(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process.
	_, err := ingestInstance.Process(ctx, gcsEvent)
	return err
}
