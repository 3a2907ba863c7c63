package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/loom/backend/internal/storage"
	"github.com/loomworks/loom/backend/internal/util"
	"github.com/loomworks/loom/backend/pkg/agent"
	"github.com/loomworks/loom/backend/pkg/loader"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/pipeline"
)

const defaultImportInstruction = "Model the system described by the source material below. " +
	"Create nodes for the systems, subsystems, use cases, actors, requirements and interfaces it names, " +
	"and connect them with the appropriate relations."

// ProcessImportMessage extracts text from a URL or an uploaded
// document and runs it through the same agent path as a batch job.
func ProcessImportMessage(
	ctx context.Context,
	s3Client *awss3.Client,
	aiClient AIClient,
	web *loader.WebLoader,
	pub pipeline.Publisher,
	conn *pgxpool.Pool,
	msg string,
) error {
	data := new(ImportJobMsg)
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		return err
	}
	if data.WorkspaceID == "" || data.RootID == "" {
		return fmt.Errorf("import job missing workspace or root")
	}

	text, source, err := importText(ctx, s3Client, web, data)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(text))) == 0 {
		logger.Warn("[Queue] Import source yielded no text", "source", source)
		return nil
	}

	material, err := agent.TrimContext(string(text), util.GetEnvInt("IMPORT_MATERIAL_TOKENS", 24000))
	if err != nil {
		logger.Warn("[Queue] Material trimming failed, sending untrimmed", "err", err)
		material = string(text)
	}

	instruction := data.Instruction
	if instruction == "" {
		instruction = defaultImportInstruction
	}
	instruction = instruction + "\n\n## Source material\n" + material

	batchMsg, err := json.Marshal(BatchJobMsg{
		WorkspaceID:   data.WorkspaceID,
		RootID:        data.RootID,
		Instruction:   instruction,
		Note:          noteForImport(data, source),
		OriginSession: data.OriginSession,
	})
	if err != nil {
		return err
	}

	logger.Info("[Queue] Import extracted, running batch", "source", source, "bytes", len(text))
	return ProcessBatchMessage(ctx, s3Client, aiClient, pub, conn, string(batchMsg))
}

func importText(ctx context.Context, s3Client *awss3.Client, web *loader.WebLoader, data *ImportJobMsg) ([]byte, string, error) {
	switch {
	case data.SourceURL != "":
		text, err := web.TextFromURL(ctx, data.SourceURL)
		if err != nil {
			return nil, "", fmt.Errorf("load url: %w", err)
		}
		return text, data.SourceURL, nil

	case data.ObjectKey != "":
		if s3Client == nil {
			return nil, "", fmt.Errorf("document import requires object storage")
		}
		raw, err := storage.GetObject(ctx, s3Client, data.ObjectKey)
		if err != nil {
			return nil, "", err
		}
		if strings.EqualFold(path.Ext(data.ObjectKey), ".docx") {
			text, err := loader.TextFromDocx(raw)
			if err != nil {
				return nil, "", fmt.Errorf("parse docx: %w", err)
			}
			return text, data.ObjectKey, nil
		}
		return raw, data.ObjectKey, nil

	default:
		return nil, "", fmt.Errorf("import job has no source")
	}
}

func noteForImport(data *ImportJobMsg, source string) string {
	if data.Note != "" {
		return data.Note
	}
	return "Imported from " + source
}
