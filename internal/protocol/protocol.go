// Package protocol defines the JSON contract between the field client and the sync server.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
)

const (
	// PathLogin exchanges credentials for a bearer token.
	PathLogin = "/auth/login"
	// PathPush accepts one table's dirty batch.
	PathPush = "/sync/push"
	// PathPullPrefix is followed by the table name; the since query parameter bounds the result.
	PathPullPrefix = "/sync/pull/"
	// PathEvents streams change notices.
	PathEvents = "/sync/events"

	// QuerySince carries the RFC 3339 high-water mark; absent means the whole table.
	QuerySince = "since"

	// TokenType is the authorization scheme for every protected endpoint.
	TokenType = "Bearer"

	// MaxBatchSize bounds the records accepted in a single push request.
	MaxBatchSize = 5000
)

var (
	// ErrEmptyBatch indicates a push request without records.
	ErrEmptyBatch = errors.New("protocol: empty batch")
	// ErrBatchTooLarge indicates a push request over MaxBatchSize.
	ErrBatchTooLarge = errors.New("protocol: batch too large")
)

// LoginRequest carries technician credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token and the identity it represents.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	Role        string `json:"role"`
}

// PushRequest carries the dirty records of one table.
type PushRequest struct {
	Table   string           `json:"table"`
	Records []records.Record `json:"records"`
}

// Validate checks that the batch is non-empty, bounded, and homogeneous.
func (r PushRequest) Validate() error {
	if !records.IsSyncable(r.Table) {
		return fmt.Errorf("%w: %q", records.ErrUnknownTable, r.Table)
	}
	if len(r.Records) == 0 {
		return ErrEmptyBatch
	}
	if len(r.Records) > MaxBatchSize {
		return fmt.Errorf("%w: %d records", ErrBatchTooLarge, len(r.Records))
	}
	for _, record := range r.Records {
		if record.Table != r.Table {
			return fmt.Errorf("%w: %s record in %s batch", records.ErrTableMismatch, record.Table, r.Table)
		}
		if strings.TrimSpace(record.UUID) == "" {
			return fmt.Errorf("%w: empty", records.ErrInvalidUUID)
		}
	}
	return nil
}

// PushResult reports the server decision for one pushed record. A rejected record carries the
// server's current version.
type PushResult struct {
	UUID          string          `json:"uuid"`
	Accepted      bool            `json:"accepted"`
	ServerVersion *records.Record `json:"server_version,omitempty"`
}

// PushResponse lists one result per pushed record, in request order.
type PushResponse struct {
	Table      string       `json:"table"`
	Results    []PushResult `json:"results"`
	ServerTime time.Time    `json:"server_time"`
}

// PullResponse carries every record of the table the server changed at or after the cursor.
// ServerTime is the cursor for the next pull.
type PullResponse struct {
	Table      string           `json:"table"`
	Records    []records.Record `json:"records"`
	ServerTime time.Time        `json:"server_time"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ChangeNotice announces that tables changed on the server.
type ChangeNotice struct {
	Tables     []string  `json:"tables"`
	Username   string    `json:"username"`
	ServerTime time.Time `json:"server_time"`
}

// FormatSince renders a cursor for the since query parameter.
func FormatSince(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return since.UTC().Format(time.RFC3339Nano)
}

// ParseSince parses the since query parameter; empty means the zero time.
func ParseSince(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("protocol: invalid since %q: %w", raw, err)
	}
	return since.UTC(), nil
}
