package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/loom/backend/internal/storage"
	"github.com/loomworks/loom/backend/internal/util"
	"github.com/loomworks/loom/backend/pkg/agent"
	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/leaselock"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/pipeline"
	graphstore "github.com/loomworks/loom/backend/pkg/store/pgx"
)

// AIClient is the model surface the worker needs: batch proposals plus
// embeddings for similarity context.
type AIClient interface {
	agent.BatchAgent
	agent.Embedder
}

const similarNodeLimit = 5

// ProcessBatchMessage runs one agent batch end to end: hydrate the
// canvas under a lease, build the model context, propose operations
// and execute them through the pipeline. Committed work survives
// partial failure; the error return only signals retryable faults.
func ProcessBatchMessage(
	ctx context.Context,
	s3Client *awss3.Client,
	aiClient AIClient,
	pub pipeline.Publisher,
	conn *pgxpool.Pool,
	msg string,
) error {
	data := new(BatchJobMsg)
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		return err
	}
	if data.WorkspaceID == "" || data.RootID == "" || data.Instruction == "" {
		return fmt.Errorf("batch job missing workspace, root or instruction")
	}

	gs := graphstore.New(conn, graphstore.WithEmbedder(aiClient))
	locker := leaselock.New(conn)
	lockKey := fmt.Sprintf("canvas:%s:%s", data.WorkspaceID, data.RootID)

	return locker.WithLease(ctx, lockKey, leaselock.Options{Wait: true}, func(ctx context.Context) error {
		cv := canvas.New(data.WorkspaceID, data.RootID)
		if err := cv.Hydrate(ctx, gs); err != nil {
			return fmt.Errorf("hydrate canvas: %w", err)
		}

		canvasContext := buildCanvasContext(ctx, gs, cv, data.Instruction)

		proposal, err := aiClient.ProposeBatch(ctx, data.Instruction, canvasContext)
		if err != nil {
			return fmt.Errorf("propose batch: %w", err)
		}
		if len(proposal.Operations) == 0 {
			logger.Info("[Queue] Agent proposed no operations", "workspace_id", data.WorkspaceID, "root_id", data.RootID)
			return nil
		}

		note := proposal.Note
		if data.Note != "" {
			note = data.Note
		}

		pipe := pipeline.New(gs, gs, pub, util.GetEnvInt("PIPELINE_PARALLEL", 4))
		report, err := pipe.Execute(ctx, cv, pipeline.Batch{
			WorkspaceID:   data.WorkspaceID,
			RootID:        data.RootID,
			Operations:    proposal.Operations,
			Note:          note,
			OriginSession: data.OriginSession,
		})
		if err != nil {
			return fmt.Errorf("execute batch: %w", err)
		}

		if len(report.Failures) > 0 {
			logger.Warn(
				"[Queue] Batch finished with failed operations",
				"workspace_id", data.WorkspaceID,
				"root_id", data.RootID,
				"failed_chunk", report.FailedChunk,
				"failures", len(report.Failures),
			)
			for _, f := range report.Failures {
				logger.Warn("[Queue] Operation failed", "operation_id", f.OperationID, "reason", f.Reason)
			}
		} else {
			logger.Info(
				"[Queue] Batch executed",
				"workspace_id", data.WorkspaceID,
				"root_id", data.RootID,
				"chunks", report.ChunkCount,
				"version", report.Version,
			)
		}

		archiveSnapshot(ctx, s3Client, cv, report)
		return nil
	})
}

// buildCanvasContext renders the current canvas plus nodes similar to
// the instruction, trimmed to the configured token window. Context is
// best effort; a failure degrades to whatever could be built.
func buildCanvasContext(ctx context.Context, gs *graphstore.GraphDBStore, cv *canvas.Canvas, instruction string) string {
	nodes, edges, _ := cv.Serialize(canvas.ViewFilter{})

	var b strings.Builder
	b.WriteString(formate.SerializeState(nodes, edges))

	similar, err := gs.SimilarNodes(ctx, cv.WorkspaceID, cv.RootID, instruction, similarNodeLimit)
	if err != nil {
		logger.Warn("[Queue] Similarity lookup failed", "err", err)
	}
	if len(similar) > 0 {
		b.WriteString("\n## Related nodes\n")
		for _, n := range similar {
			b.WriteString(formate.FormatNodeLine(n))
			b.WriteByte('\n')
		}
	}

	built := b.String()
	trimmed, err := agent.TrimContext(built, util.GetEnvInt("AGENT_CONTEXT_TOKENS", 16000))
	if err != nil {
		logger.Warn("[Queue] Context trimming failed, sending untrimmed", "err", err)
		return built
	}
	return trimmed
}

// archiveSnapshot uploads the post-batch full state. Archiving is
// optional and never fails the job.
func archiveSnapshot(ctx context.Context, s3Client *awss3.Client, cv *canvas.Canvas, report *pipeline.Report) {
	if s3Client == nil || report.Diff == "" {
		return
	}
	nodes, edges, version := cv.Serialize(canvas.ViewFilter{})
	key, err := storage.PutSnapshot(ctx, s3Client, cv.WorkspaceID, cv.RootID, version, formate.SerializeState(nodes, edges))
	if err != nil {
		logger.Warn("[Queue] Snapshot archive failed", "workspace_id", cv.WorkspaceID, "root_id", cv.RootID, "err", err)
		return
	}
	logger.Debug("[Queue] Snapshot archived", "key", key)
}
