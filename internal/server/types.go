// Package server provides the worker's HTTP surface: the process endpoint,
// status and result reads, health, and the checkpoint sweep hook. DTOs are
// separated from domain types.
package server

// ProcessRequest is the HTTP request body for starting a job.
type ProcessRequest struct {
	// UploadID identifies the upload, in the upload_<ts>_<rand> grammar.
	UploadID string `json:"uploadId" validate:"required"`
	// UserID is the owner of the upload.
	UserID string `json:"userId" validate:"required,max=128"`
	// R2Key is the object key of the uploaded source video.
	R2Key string `json:"r2Key" validate:"required"`
	// FileName is the original file name, used in the report.
	FileName string `json:"fileName" validate:"required,max=512"`
	// DetectionMode selects scene detection: "standard" or "enhanced".
	DetectionMode string `json:"detectionMode" validate:"omitempty,oneof=standard enhanced"`
	// DataConsent allows retaining the upload after processing.
	DataConsent bool `json:"dataConsent"`
}

// ProcessResponse is the acknowledgement written before processing starts.
type ProcessResponse struct {
	Success       bool   `json:"success"`
	UploadID      string `json:"uploadId"`
	Status        string `json:"status"`
	DetectionMode string `json:"detectionMode"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Revision  string `json:"revision"`
	BuildTime string `json:"buildTime"`
	Commit    string `json:"commit"`
	Timestamp string `json:"timestamp"`
}

// SweepResponse is the HTTP response for the checkpoint sweep endpoint.
type SweepResponse struct {
	DeletedCount int `json:"deletedCount"`
}
