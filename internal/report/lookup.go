package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
)

// Lookup resolves what a schedule or segment should run. Report CRUD lives
// elsewhere; this side only reads.
type Lookup interface {
	GetReport(ctx context.Context, reportID string) (*Definition, error)
}

// RedisLookup reads report definitions stored as Redis hashes under
// reportflow:report:<id> with fields instance_id, query_template, parameters
type RedisLookup struct {
	client *redis.Client
}

// NewRedisLookup creates a lookup over an existing client
func NewRedisLookup(client *redis.Client) *RedisLookup {
	return &RedisLookup{client: client}
}

// ReportKey returns the hash key holding a report definition
func ReportKey(reportID string) string {
	return "reportflow:report:" + reportID
}

// GetReport returns the definition, or an error wrapping ErrFatalConfig when
// the report no longer exists
func (l *RedisLookup) GetReport(ctx context.Context, reportID string) (*Definition, error) {
	data, err := l.client.HGetAll(ctx, ReportKey(reportID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", reportID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("report %s: %w", reportID, apperrors.ErrFatalConfig)
	}

	def := &Definition{
		ReportID:      reportID,
		InstanceID:    data["instance_id"],
		QueryTemplate: data["query_template"],
	}
	if params := data["parameters"]; params != "" {
		def.Parameters = json.RawMessage(params)
	}
	if def.InstanceID == "" || def.QueryTemplate == "" {
		return nil, fmt.Errorf("report %s is missing instance or query: %w", reportID, apperrors.ErrFatalConfig)
	}
	return def, nil
}

// PutReport writes a definition. Used by seeding tools and tests.
func (l *RedisLookup) PutReport(ctx context.Context, def *Definition) error {
	fields := map[string]interface{}{
		"instance_id":    def.InstanceID,
		"query_template": def.QueryTemplate,
	}
	if len(def.Parameters) > 0 {
		fields["parameters"] = string(def.Parameters)
	}
	if err := l.client.HSet(ctx, ReportKey(def.ReportID), fields).Err(); err != nil {
		return fmt.Errorf("failed to store report %s: %w", def.ReportID, err)
	}
	return nil
}
