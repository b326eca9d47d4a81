package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/artifact"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
)

const (
	ToolCreateDocument = "create_document"
	ToolUpdateDocument = "update_document"
)

// Generator produces nested model output for document content.
type Generator interface {
	Stream(ctx context.Context, req llm.Request) llm.Stream
}

// CreateDocumentTool generates a new document in a nested stream. The
// document's content is not returned to the model verbatim; the model
// gets a confirmation and the client receives the content as data
// events keyed by the new document ID.
type CreateDocumentTool struct {
	Store     store.DocumentStore
	Generator Generator
	Model     string
	ChatID    string
	Emit      Emit
}

func (t *CreateDocumentTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ToolCreateDocument,
		Description: "Create a document (text, code or sheet) that is rendered beside the conversation. Use for substantial content the user will want to keep or edit.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "description": "Document title"},
				"kind": {"type": "string", "enum": ["text", "code", "sheet"], "description": "Document kind"}
			},
			"required": ["title", "kind"]
		}`),
	}
}

type createDocumentArgs struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

func (t *CreateDocumentTool) Preview(args json.RawMessage) string {
	var parsed createDocumentArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Title == "" {
		return "creating document"
	}
	return "creating document: " + parsed.Title
}

func (t *CreateDocumentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed createDocumentArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	kind, err := parseDocumentKind(parsed.Kind)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Title) == "" {
		return "", fmt.Errorf("title must not be empty")
	}

	doc := store.Document{ID: uuid.NewString(), ChatID: t.ChatID, Title: parsed.Title, Kind: kind}
	if err := t.Store.CreateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}

	t.Emit.send(dataEvent("documentStart", doc.ID, map[string]string{
		"title": doc.Title,
		"kind":  string(doc.Kind),
	}))

	content, err := generateContent(ctx, t.Generator, t.Model, doc, createPrompt(doc), t.Emit)
	if err != nil {
		return "", err
	}
	if _, err := t.Store.SaveDocumentVersion(ctx, doc.ID, content); err != nil {
		return "", fmt.Errorf("save document: %w", err)
	}
	t.Emit.send(dataEvent("finish", doc.ID, nil))

	return fmt.Sprintf("Created %s document %q (id %s). The content is visible to the user; do not repeat it.", kind, doc.Title, doc.ID), nil
}

// UpdateDocumentTool regenerates an existing document per an update
// description, streaming the replacement content to the client.
type UpdateDocumentTool struct {
	Store     store.DocumentStore
	Generator Generator
	Model     string
	Emit      Emit
}

func (t *UpdateDocumentTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ToolUpdateDocument,
		Description: "Rewrite an existing document according to a description of the desired changes.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "Document ID"},
				"description": {"type": "string", "description": "What to change"}
			},
			"required": ["id", "description"]
		}`),
	}
}

type updateDocumentArgs struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

func (t *UpdateDocumentTool) Preview(args json.RawMessage) string {
	var parsed updateDocumentArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "updating document"
	}
	return "updating document " + parsed.ID
}

func (t *UpdateDocumentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed updateDocumentArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	doc, err := t.Store.GetDocument(ctx, parsed.ID)
	if err != nil {
		return "", fmt.Errorf("document %s: %w", parsed.ID, err)
	}
	var current string
	if v, err := t.Store.LatestDocumentVersion(ctx, doc.ID); err == nil {
		current = v.Content
	}

	// The client resets its rendered copy before replacement content
	// streams in.
	t.Emit.send(dataEvent("clear", doc.ID, nil))

	content, err := generateContent(ctx, t.Generator, t.Model, doc, updatePrompt(doc, current, parsed.Description), t.Emit)
	if err != nil {
		return "", err
	}
	version, err := t.Store.SaveDocumentVersion(ctx, doc.ID, content)
	if err != nil {
		return "", fmt.Errorf("save document: %w", err)
	}
	t.Emit.send(dataEvent("finish", doc.ID, nil))

	return fmt.Sprintf("Updated document %q to version %d. The content is visible to the user; do not repeat it.", doc.Title, version), nil
}

// generateContent runs the nested generation, streaming deltas to the
// client while folding them into the final content.
func generateContent(ctx context.Context, gen Generator, model string, doc store.Document, prompt string, emit Emit) (string, error) {
	acc := artifact.NewAccumulator(doc.Kind)

	stream := gen.Stream(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			llm.SystemText(prompt),
			llm.UserText(doc.Title),
		},
	})
	defer stream.Close()

	var raw strings.Builder
	deltaKind := artifact.DeltaKind(doc.Kind)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("document generation: %w", err)
		}
		if ev.Type != llm.EventTextDelta {
			continue
		}
		raw.WriteString(ev.Text)
		if doc.Kind == store.DocumentSheet {
			// Sheets stream as whole snapshots.
			acc.Apply(raw.String())
			emit.send(dataEvent(deltaKind, doc.ID, raw.String()))
		} else {
			acc.Apply(ev.Text)
			emit.send(dataEvent(deltaKind, doc.ID, ev.Text))
		}
	}
	content := acc.Content()
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("document generation produced no content")
	}
	return content, nil
}

func createPrompt(doc store.Document) string {
	switch doc.Kind {
	case store.DocumentCode:
		return "Write a complete, self-contained code file for the titled task. Output only code, no fences or commentary."
	case store.DocumentSheet:
		return "Produce a CSV spreadsheet for the titled task. Output only CSV with a header row."
	default:
		return "Write a well-structured markdown document on the given title. Output only the document."
	}
}

func updatePrompt(doc store.Document, current, description string) string {
	var kindInstr string
	switch doc.Kind {
	case store.DocumentCode:
		kindInstr = "Output only the complete updated code, no fences or commentary."
	case store.DocumentSheet:
		kindInstr = "Output only the complete updated CSV with a header row."
	default:
		kindInstr = "Output only the complete updated markdown document."
	}
	return fmt.Sprintf("Rewrite the following document applying this change: %s\n%s\n\nCurrent content:\n\n%s", description, kindInstr, current)
}

func parseDocumentKind(kind string) (store.DocumentKind, error) {
	switch store.DocumentKind(kind) {
	case store.DocumentText, store.DocumentCode, store.DocumentSheet:
		return store.DocumentKind(kind), nil
	}
	return "", fmt.Errorf("unknown document kind %q", kind)
}
