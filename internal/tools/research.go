package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/parley-chat/parley/internal/llm"
)

const ToolResearch = "research"

// maxResearchQueries bounds the fan-out of one research call.
const maxResearchQueries = 5

// ResearchTool runs several searches concurrently and synthesizes the
// combined results into a brief via a nested model call. Progress is
// surfaced to the client as researchUpdate data events correlated by
// the tool call ID.
type ResearchTool struct {
	Backend SearchBackend
	// Generator produces the synthesis. Usually a provider; swapped
	// for a fake in tests.
	Generator interface {
		Stream(ctx context.Context, req llm.Request) llm.Stream
	}
	Model string
	Emit  Emit
}

func (t *ResearchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ToolResearch,
		Description: "Run several web searches in parallel and synthesize the findings into a research brief. Use for questions that need multiple angles.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "description": "What is being researched"},
				"queries": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Up to 5 distinct search queries covering the topic"
				}
			},
			"required": ["topic", "queries"]
		}`),
	}
}

type researchArgs struct {
	Topic   string   `json:"topic"`
	Queries []string `json:"queries"`
}

type researchUpdate struct {
	Status  string `json:"status"`
	Query   string `json:"query,omitempty"`
	Results int    `json:"results,omitempty"`
}

func (t *ResearchTool) Preview(args json.RawMessage) string {
	var parsed researchArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Topic == "" {
		return "researching"
	}
	return "researching: " + parsed.Topic
}

func (t *ResearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed researchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if len(parsed.Queries) == 0 {
		return "", fmt.Errorf("at least one query is required")
	}
	if len(parsed.Queries) > maxResearchQueries {
		parsed.Queries = parsed.Queries[:maxResearchQueries]
	}
	callID := llm.CallIDFromContext(ctx)

	t.Emit.send(dataEvent("researchUpdate", callID, researchUpdate{Status: "searching"}))

	type outcome struct {
		query   string
		results []SearchResult
		err     error
	}
	outcomes := make([]outcome, len(parsed.Queries))
	var wg sync.WaitGroup
	for i, query := range parsed.Queries {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			results, err := t.Backend.Search(ctx, query, 4)
			outcomes[i] = outcome{query: query, results: results, err: err}
		}(i, query)
	}
	wg.Wait()

	var findings strings.Builder
	succeeded := 0
	for _, o := range outcomes {
		if o.err != nil {
			t.Emit.send(dataEvent("researchUpdate", callID, researchUpdate{Status: "query_failed", Query: o.query}))
			continue
		}
		succeeded++
		t.Emit.send(dataEvent("researchUpdate", callID, researchUpdate{Status: "query_done", Query: o.query, Results: len(o.results)}))
		fmt.Fprintf(&findings, "## %s\n\n%s\n\n", o.query, FormatResults(o.results))
		for _, r := range o.results {
			t.Emit.send(llm.Event{Type: llm.EventSource, Source: &llm.Source{URL: r.URL, Title: r.Title}})
		}
	}
	if succeeded == 0 {
		return "", fmt.Errorf("all research queries failed")
	}

	t.Emit.send(dataEvent("researchUpdate", callID, researchUpdate{Status: "synthesizing"}))

	brief, err := t.synthesize(ctx, parsed.Topic, findings.String())
	if err != nil {
		// The raw findings still have value for the model.
		return findings.String(), nil
	}
	t.Emit.send(dataEvent("researchUpdate", callID, researchUpdate{Status: "done"}))
	return brief, nil
}

func (t *ResearchTool) synthesize(ctx context.Context, topic, findings string) (string, error) {
	stream := t.Generator.Stream(ctx, llm.Request{
		Model: t.Model,
		Messages: []llm.Message{
			llm.SystemText("You are a research assistant. Synthesize the search findings into a concise brief with inline source URLs. Do not invent facts."),
			llm.UserText(fmt.Sprintf("Topic: %s\n\nFindings:\n\n%s", topic, findings)),
		},
	})
	defer stream.Close()
	return collectText(stream)
}

// collectText drains a stream and returns its concatenated text.
func collectText(stream llm.Stream) (string, error) {
	var b strings.Builder
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		if ev.Type == llm.EventTextDelta {
			b.WriteString(ev.Text)
		}
		if ev.Type == llm.EventError && ev.Err != nil {
			return "", ev.Err
		}
	}
	return b.String(), nil
}
