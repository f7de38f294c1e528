// Package skills loads reusable instruction snippets referenced by
// tasks. A skill is a markdown file under <dataDir>/skills/<id>.md;
// pre-execution and pre-planning skills render into the prompt, post-
// execution skills run as follow-up turns during completion.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
)

var ErrSkillNotFound = errors.New("skill not found")

type Loader struct {
	dir string
	log *logger.Logger
}

func NewLoader(dataDir string, log *logger.Logger) *Loader {
	return &Loader{
		dir: filepath.Join(dataDir, "skills"),
		log: log.WithFields(zap.String("component", "skills")),
	}
}

// Load returns the document for a skill id.
func (l *Loader) Load(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: %q", ErrSkillNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, id+".md"))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", ErrSkillNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read skill %q: %w", id, err)
	}
	return string(data), nil
}

// LoadAll returns documents for the given ids in order. Missing skills
// are skipped with a warning so a stale reference never blocks a run.
func (l *Loader) LoadAll(ids []string) []string {
	docs := make([]string, 0, len(ids))
	for _, id := range ids {
		doc, err := l.Load(id)
		if err != nil {
			l.log.Warn("skipping skill", zap.String("skill_id", id), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// List returns the available skill ids, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}

// validID rejects ids that could escape the skills directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
