// Package store persists reports to Firestore.
package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/coderunreport/internal/models"
)

// DefaultCollection is the collection reports are written to when none is configured.
const DefaultCollection = "reports"

// StoreError reports a write that could not be completed.
type StoreError struct {
	ReportID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store report %s: %v", e.ReportID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FirestoreStore writes each report to its own document, named by the report id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

// Save creates or overwrites the report's document.
func (s *FirestoreStore) Save(ctx context.Context, report models.Report) error {
	if report.ID == "" {
		return &StoreError{Err: fmt.Errorf("report id must not be empty")}
	}
	if _, err := s.client.Collection(s.collection).Doc(report.ID).Set(ctx, report); err != nil {
		return &StoreError{ReportID: report.ID, Err: err}
	}
	return nil
}
