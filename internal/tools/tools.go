// Package tools implements the built-in tools a chat turn can invoke,
// the catalog that prices them, and the gate that decides which are
// active for a given turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parley-chat/parley/internal/llm"
)

// Tool executes one named capability on behalf of the model.
type Tool interface {
	Spec() llm.ToolSpec
	// Execute runs the tool and returns the text fed back to the
	// model. Errors become error tool results, not turn failures.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
	// Preview renders a short human-readable description of the call.
	Preview(args json.RawMessage) string
}

// Emit delivers a side-channel event produced during tool execution,
// such as streamed document content. A nil Emit drops events.
type Emit func(llm.Event)

func (e Emit) send(ev llm.Event) {
	if e != nil {
		e(ev)
	}
}

// Registry holds the executable tools by name.
type Registry map[string]Tool

func (r Registry) Register(t Tool) {
	r[t.Spec().Name] = t
}

func (r Registry) Get(name string) (Tool, bool) {
	t, ok := r[name]
	return t, ok
}

// Specs returns the llm specs for the named tools, skipping names with
// no registered implementation.
func (r Registry) Specs(names []string) []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, name := range names {
		if t, ok := r[name]; ok {
			specs = append(specs, t.Spec())
		}
	}
	return specs
}

// dataEvent builds a data delta event with a JSON payload.
func dataEvent(kind, id string, payload any) llm.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(payload)))
	}
	return llm.Event{Type: llm.EventDataDelta, Data: &llm.DataDelta{Kind: kind, ID: id, Payload: raw}}
}
