package models

// These structs define the JSON payloads returned by the report-generator
// HTTP functions.

// AddFilesResponse is the output of the add-files function.
type AddFilesResponse struct {
	PendingFiles []string `json:"pendingFiles"`
}

// GenerateReportResponse is the output of the generate-report function.
type GenerateReportResponse struct {
	Reports []Report `json:"reports"`
}

// FileFailure names one file that could not be turned into a report.
type FileFailure struct {
	FileName string `json:"fileName"`
	Reason   string `json:"reason"`
}

// GenerateReportFailure is returned when any file in a batch fails.
type GenerateReportFailure struct {
	Error    string        `json:"error"`
	Failures []FileFailure `json:"failures"`
}

// ReportRow is one row of the report table.
type ReportRow struct {
	ID              string `json:"id"`
	FileName        string `json:"fileName"`
	ExecutionResult string `json:"executionResult"`
}

type ListReportsResponse struct {
	Reports []ReportRow `json:"reports"`
}
