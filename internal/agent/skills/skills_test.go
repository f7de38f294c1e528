package skills

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/taskflow/taskflow/internal/common/logger"
)

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dataDir := t.TempDir()
	dir := filepath.Join(dataDir, "skills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewLoader(dataDir, log), dir
}

func writeSkill(t *testing.T, dir, id, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndList(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeSkill(t, dir, "review-checklist", "# Review\nCheck error paths.")
	writeSkill(t, dir, "commit-style", "# Commits\nImperative mood.")

	doc, err := loader.Load("review-checklist")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc != "# Review\nCheck error paths." {
		t.Errorf("doc = %q", doc)
	}

	ids, err := loader.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "commit-style" || ids[1] != "review-checklist" {
		t.Errorf("ids = %v", ids)
	}
}

func TestLoadMissingSkill(t *testing.T) {
	loader, _ := newTestLoader(t)

	_, err := loader.Load("nope")
	if !errors.Is(err, ErrSkillNotFound) {
		t.Errorf("error = %v, want ErrSkillNotFound", err)
	}
}

func TestLoadRejectsPathEscapes(t *testing.T) {
	loader, _ := newTestLoader(t)

	for _, id := range []string{"../secrets", "a/b", `a\b`, "..", ""} {
		if _, err := loader.Load(id); !errors.Is(err, ErrSkillNotFound) {
			t.Errorf("Load(%q) error = %v, want ErrSkillNotFound", id, err)
		}
	}
}

func TestLoadAllSkipsMissing(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeSkill(t, dir, "a", "doc a")
	writeSkill(t, dir, "c", "doc c")

	docs := loader.LoadAll([]string{"a", "missing", "c"})
	if len(docs) != 2 || docs[0] != "doc a" || docs[1] != "doc c" {
		t.Errorf("docs = %v", docs)
	}
}

func TestListEmptyWhenDirMissing(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	loader := NewLoader(t.TempDir(), log)

	ids, err := loader.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if ids != nil {
		t.Errorf("ids = %v, want nil", ids)
	}
}
