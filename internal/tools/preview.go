package tools

import (
	"context"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

func (r *Runner) tablePreviewUpdate(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table   string        `json:"table"`
		SysID   string        `json:"sys_id"`
		Changes record.Record `json:"changes"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}

	result, err := r.previews.Preview(ctx, req.Table, req.SysID, req.Changes)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return b.Success(result), nil
}

func (r *Runner) tableApplyUpdate(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		PreviewToken string `json:"preview_token"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	token, err := requireString(req.PreviewToken, "preview_token")
	if err != nil {
		return envelope.Envelope{}, err
	}

	result, err := r.previews.Apply(ctx, token)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return b.Success(result), nil
}

func (r *Runner) tablePreviewCancel(_ context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		PreviewToken string `json:"preview_token"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	token, err := requireString(req.PreviewToken, "preview_token")
	if err != nil {
		return envelope.Envelope{}, err
	}

	if err := r.previews.Cancel(token); err != nil {
		return envelope.Envelope{}, err
	}
	return b.Success(map[string]any{
		"preview_token": token,
		"status":        "cancelled",
	}), nil
}
