package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// Output lets an executor publish files for the job it runs.
type Output interface {
	Upload(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Executor runs one job type. The returned value becomes result_data of a
// completed job; an error fails the job with its message.
type Executor func(ctx context.Context, job *models.Job, out Output) (any, error)

// DefaultExecutors returns the built-in executors, opening databases with open.
func DefaultExecutors(open Opener) map[string]Executor {
	return map[string]Executor{
		models.JobTypeTestConnection: testConnection(open),
		models.JobTypeFetchMetadata:  fetchMetadata(open),
	}
}

func testConnection(open Opener) Executor {
	return func(ctx context.Context, job *models.Job, _ Output) (any, error) {
		conn, err := connectionFrom(job.Payload, "connection")
		if err != nil {
			return nil, err
		}

		started := time.Now()
		db, err := open(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("connection failed: %w", err)
		}
		defer db.Close(context.WithoutCancel(ctx))

		if err := db.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connection failed: %w", err)
		}
		version, err := db.ServerVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("read server version: %w", err)
		}

		return map[string]any{
			"success":        true,
			"server_version": version,
			"latency_ms":     time.Since(started).Milliseconds(),
		}, nil
	}
}

// MetadataArtifact is the path fetch_metadata stores the full schema under.
const MetadataArtifact = "metadata.json"

func fetchMetadata(open Opener) Executor {
	return func(ctx context.Context, job *models.Job, out Output) (any, error) {
		conn, err := connectionFrom(job.Payload, "connection")
		if err != nil {
			return nil, err
		}

		db, err := open(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("connection failed: %w", err)
		}
		defer db.Close(context.WithoutCancel(ctx))

		tables, err := db.Tables(ctx)
		if err != nil {
			return nil, err
		}

		doc, err := json.Marshal(map[string]any{"tables": tables})
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		link, err := out.Upload(ctx, MetadataArtifact, "application/json", doc)
		if err != nil {
			return nil, fmt.Errorf("upload metadata: %w", err)
		}

		names := make([]string, 0, len(tables))
		for _, t := range tables {
			names = append(names, t.Schema+"."+t.Name)
		}
		return map[string]any{
			"table_count":  len(tables),
			"tables":       names,
			"metadata_url": link,
		}, nil
	}
}
