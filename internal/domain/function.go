package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"time"
)

// Function is unique by name within its project. ActiveVersion references
// the FunctionVersion currently served by invocations; zero means the
// function has never been published.
type Function struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Name             string    `json:"name"`
	Active           bool      `json:"active"`
	RequiresAPIKey   bool      `json:"requires_api_key"`
	APIKeyHash       string    `json:"api_key_hash,omitempty"` // hex SHA-256 of the plaintext key
	ActiveVersion    int       `json:"active_version,omitempty"`
	RetentionPolicy  *RetentionPolicy `json:"retention_policy,omitempty"`
	BreakerPolicy    *BreakerPolicy `json:"breaker_policy,omitempty"`
	Schedule         string    `json:"schedule,omitempty"` // cron expression, consumed by the scheduler collaborator
	ExecutionCount   int64     `json:"execution_count"`
	LastExecutedAt   *time.Time `json:"last_executed_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RetentionPolicy overrides the global execution-log retention default for
// one function. Both fields may be set; a sweep applies whichever is tighter.
type RetentionPolicy struct {
	MaxAge   time.Duration `json:"max_age,omitempty"`
	MaxCount int           `json:"max_count,omitempty"`
}

// BreakerPolicy overrides the executor-wide circuit breaker thresholds for
// one function. Any zero field falls back to the executor default for that
// field rather than disabling the breaker outright.
type BreakerPolicy struct {
	ErrorPct       float64       `json:"error_pct,omitempty"`
	WindowDuration time.Duration `json:"window_duration,omitempty"`
	OpenDuration   time.Duration `json:"open_duration,omitempty"`
	HalfOpenProbes int           `json:"half_open_probes,omitempty"`
}

// FunctionVersion is immutable once created. PackageHash is the cache key
// and the integrity check against the object store content.
type FunctionVersion struct {
	ID          string    `json:"id"`
	FunctionID  string    `json:"function_id"`
	Version     int       `json:"version"`
	ObjectName  string    `json:"object_name"` // functions/{functionId}/{packageHash}.tgz
	PackageHash string    `json:"package_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FunctionEnvironmentVariable keys are unique per function.
type FunctionEnvironmentVariable struct {
	FunctionID string `json:"function_id"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

// ExecutionLog records one invocation outcome.
type ExecutionLog struct {
	ID            string    `json:"id"`
	FunctionID    string    `json:"function_id"`
	StatusCode    int       `json:"status_code"`
	DurationMs    int64     `json:"duration_ms"`
	RequestBytes  int64     `json:"request_bytes"`
	ResponseBytes int64     `json:"response_bytes"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (f *Function) MarshalBinary() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Function) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, f)
}

// HashPackageFile returns the hex SHA-256 digest of a package tarball,
// used both as the cache key and the upload-time integrity check.
func HashPackageFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPackageBytes is the in-memory equivalent of HashPackageFile, used
// when the tarball has already been read (e.g. during upload).
func HashPackageBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
