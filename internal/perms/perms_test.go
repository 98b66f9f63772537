package perms

import (
	"testing"

	"github.com/siohaza/gridhost/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return fs
}

func TestDefaultsOnFreshStore(t *testing.T) {
	s := newTestStore(t)

	table, err := Load(s, DefaultRequirements(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, req := range DefaultRequirements() {
		if got := table.RequiredLevel(req.Name); got != req.Level {
			t.Fatalf("%s: required level %d, expected %d", req.Name, got, req.Level)
		}
	}

	want := []string{"ban", "mute", "unpunish", "kick", "perms", "help", "stop"}
	got := table.Commands()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, expected %v", got, want)
		}
	}
}

func TestReconcileAddsMissingAndDropsObsolete(t *testing.T) {
	s := newTestStore(t)
	stored := map[string]int{
		"ban":      5,
		"mute":     1,
		"unpunish": 2,
		"kick":     1,
		"perms":    3,
		"help":     0,
		"foo":      1,
	}
	if err := s.Save(RequirementsKey, stored); err != nil {
		t.Fatalf("seed: %v", err)
	}

	table, err := Load(s, DefaultRequirements(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if table.Has("foo") {
		t.Fatal("obsolete command foo survived reconciliation")
	}
	if got := table.RequiredLevel("stop"); got != 3 {
		t.Fatalf("stop level = %d, expected default 3", got)
	}
	if got := table.RequiredLevel("ban"); got != 5 {
		t.Fatalf("ban level = %d, expected stored 5", got)
	}

	var persisted map[string]int
	if _, err := s.Load(RequirementsKey, &persisted); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := persisted["foo"]; ok {
		t.Fatal("reconciled table was not persisted")
	}
	if persisted["stop"] != 3 {
		t.Fatalf("persisted stop level = %d, expected 3", persisted["stop"])
	}
}

func TestUnknownCommandIsUnreachable(t *testing.T) {
	table, err := Load(newTestStore(t), DefaultRequirements(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := table.RequiredLevel("teleport"); got != Unreachable {
		t.Fatalf("required level = %d, expected %d", got, Unreachable)
	}
	if err := table.SetLevel("abc123", 100); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if table.CanExecute("abc123", "teleport") {
		t.Fatal("unknown commands must not be executable")
	}
}

func TestCanExecute(t *testing.T) {
	table, err := Load(newTestStore(t), DefaultRequirements(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !table.CanExecute("abc123", "help") {
		t.Fatal("level 0 should run help")
	}
	if table.CanExecute("abc123", "kick") {
		t.Fatal("level 0 should not run kick")
	}
	if !table.CanExecute(ConsoleID, "stop") {
		t.Fatal("console should run everything")
	}

	if err := table.SetLevel("abc123", 3); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if !table.CanExecute("abc123", "stop") {
		t.Fatal("level 3 should run stop")
	}
}

func TestLevelRoundTrip(t *testing.T) {
	s := newTestStore(t)
	table, err := Load(s, DefaultRequirements(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if table.LevelOf("abc123") != 0 {
		t.Fatal("default level should be 0")
	}
	if err := table.SetLevel("abc123", 3); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if table.LevelOf("abc123") != 3 {
		t.Fatalf("level = %d, expected 3", table.LevelOf("abc123"))
	}

	reloaded, err := Load(s, DefaultRequirements(), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LevelOf("abc123") != 3 {
		t.Fatalf("reloaded level = %d, expected 3", reloaded.LevelOf("abc123"))
	}
}

func TestExtraDefaultsSurviveReconciliation(t *testing.T) {
	s := newTestStore(t)
	defaults := append(DefaultRequirements(), Requirement{Name: "fill", Level: 2})

	table, err := Load(s, defaults, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !table.Has("fill") || table.RequiredLevel("fill") != 2 {
		t.Fatal("expected fill to be part of the requirement table")
	}
	cmds := table.Commands()
	if cmds[len(cmds)-1] != "fill" {
		t.Fatalf("expected fill listed last, got %v", cmds)
	}
}
