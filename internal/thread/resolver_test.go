package thread

import (
	"errors"
	"strings"
	"testing"

	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
)

func msg(id, parent string, role llm.Role) store.Message {
	return store.Message{ID: id, ChatID: "c1", ParentMessageID: parent, Role: role}
}

func ids(path []store.Message) string {
	var out []string
	for _, m := range path {
		out = append(out, m.ID)
	}
	return strings.Join(out, ",")
}

func TestResolveLinearPath(t *testing.T) {
	msgs := []store.Message{
		msg("m1", "", llm.RoleUser),
		msg("m2", "m1", llm.RoleAssistant),
		msg("m3", "m2", llm.RoleUser),
	}
	path, err := Resolve(msgs, "m3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ids(path); got != "m1,m2,m3" {
		t.Fatalf("got %s", got)
	}
}

func TestResolvePicksOneBranch(t *testing.T) {
	// m2a and m2b are sibling regenerations of m1.
	msgs := []store.Message{
		msg("m1", "", llm.RoleUser),
		msg("m2a", "m1", llm.RoleAssistant),
		msg("m2b", "m1", llm.RoleAssistant),
		msg("m3", "m2b", llm.RoleUser),
	}
	path, err := Resolve(msgs, "m3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ids(path); got != "m1,m2b,m3" {
		t.Fatalf("abandoned branch leaked into path: %s", got)
	}
}

func TestResolveDanglingParent(t *testing.T) {
	msgs := []store.Message{
		msg("m2", "m1", llm.RoleAssistant),
	}
	if _, err := Resolve(msgs, "m2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := Resolve(msgs, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown leaf, got %v", err)
	}
}

func TestResolveCycleGuard(t *testing.T) {
	msgs := []store.Message{
		msg("m1", "m2", llm.RoleUser),
		msg("m2", "m1", llm.RoleAssistant),
	}
	_, err := Resolve(msgs, "m2")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestWindowKeepsMostRecent(t *testing.T) {
	var msgs []store.Message
	prev := ""
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		msgs = append(msgs, msg(id, prev, llm.RoleUser))
		prev = id
	}
	path, err := Resolve(msgs, "g")
	if err != nil {
		t.Fatal(err)
	}
	got := Window(path, 5)
	if ids(got) != "c,d,e,f,g" {
		t.Fatalf("got %s", ids(got))
	}
	// Short paths pass through untouched.
	if len(Window(path[:3], 5)) != 3 {
		t.Fatal("short path must not be padded or trimmed")
	}
}
