package models

// Report is the record pairing an uploaded source file with the output the
// execution service returned for it. It is stored in Firestore keyed by ID
// and is never modified after creation.
type Report struct {
	ID              string `firestore:"id" json:"id"`
	FileName        string `firestore:"fileName" json:"fileName"`
	Code            string `firestore:"code" json:"code"`
	ExecutionResult string `firestore:"executionResult" json:"executionResult"`
}
