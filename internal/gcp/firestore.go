package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
)

// NewFirestoreClient creates a Firestore client for the given project and
// database. An empty databaseID selects the project's default database.
// The caller owns the client and must Close it.
func NewFirestoreClient(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	if host := os.Getenv("FIRESTORE_EMULATOR_HOST"); host != "" {
		slog.Warn("Using the Firestore emulator.", "host", host)
	}
	return client, nil
}
