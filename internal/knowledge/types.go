package knowledge

import "time"

// AssetStatus tracks an asset through ingestion. Transitions are forward
// only, except failed assets may return to pending on explicit retry.
type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetProcessing AssetStatus = "processing"
	AssetReady      AssetStatus = "ready"
	AssetFailed     AssetStatus = "failed"
)

// JobStatus tracks the paired ingestion job. Terminal states are final,
// except failed jobs may return to queued on explicit retry.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Asset is one uploaded knowledge object.
type Asset struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	BrandID       string      `json:"brand_id"`
	ObjectKey     string      `json:"object_key"`
	Title         string      `json:"title"`
	ContentSHA256 string      `json:"content_sha256"`
	Tags          []string    `json:"tags,omitempty"`
	Visibility    string      `json:"visibility"`
	Status        AssetStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Job is the ingestion work item paired with an asset.
type Job struct {
	ID              string    `json:"id"`
	AssetID         string    `json:"asset_id"`
	Status          JobStatus `json:"status"`
	Attempts        int       `json:"attempts"`
	TotalChunks     int       `json:"total_chunks"`
	ProcessedChunks int       `json:"processed_chunks"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Logs            []string  `json:"logs,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// QueueMessage is the payload placed on the ingest queue.
type QueueMessage struct {
	JobID    string `json:"job_id"`
	AssetID  string `json:"asset_id"`
	TenantID string `json:"tenant_id"`
	BrandID  string `json:"brand_id"`
}
