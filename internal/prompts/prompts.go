// Package prompts holds the per-kind prompt packs injected into worker
// sessions. Defaults are embedded; a configured prompts directory overrides
// them file-by-file.
package prompts

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/store"
)

// TaskParams feeds the task template. Review-only fields stay zero for the
// other kinds.
type TaskParams struct {
	Prompt      string
	IssueNumber int
	IssueTitle  string
	IssueBody   string
	Branch      string
	BaseBranch  string
	Worktree    string

	// Review fields.
	ParentID     string
	ParentPrompt string
	Description  string
	Iteration    int
	ChangeDigest string
}

// packFile is the on-disk shape of one prompt pack.
type packFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      string `yaml:"system"`
	Task        string `yaml:"task"`
}

// Pack is one kind's parsed prompt set.
type Pack struct {
	Name        string
	Description string
	System      string
	taskTmpl    *template.Template
}

// Library maps worker kinds to their prompt packs.
type Library struct {
	packs map[store.WorkerKind]*Pack
}

// Load builds the library from the embedded defaults, then applies overrides
// from overrideDir (one <kind>.yaml per pack). A missing override directory
// is not an error; an unreadable or malformed override file is skipped with a
// warning so a typo cannot take the orchestrator down.
func Load(overrideDir string) (*Library, error) {
	lib := &Library{packs: make(map[store.WorkerKind]*Pack)}

	entries, err := fs.ReadDir(builtinPacks, "templates")
	if err != nil {
		return nil, fmt.Errorf("reading embedded prompt packs: %w", err)
	}
	for _, entry := range entries {
		content, err := fs.ReadFile(builtinPacks, path.Join("templates", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading embedded pack %s: %w", entry.Name(), err)
		}
		pack, kind, err := parsePack(content)
		if err != nil {
			return nil, fmt.Errorf("parsing embedded pack %s: %w", entry.Name(), err)
		}
		lib.packs[kind] = pack
	}

	for _, kind := range []store.WorkerKind{store.KindCoding, store.KindReview, store.KindPlanning} {
		if _, ok := lib.packs[kind]; !ok {
			return nil, fmt.Errorf("no embedded prompt pack for kind %q", kind)
		}
	}

	if overrideDir != "" {
		lib.applyOverrides(overrideDir)
	}
	return lib, nil
}

// applyOverrides replaces packs with user-supplied files where present.
func (l *Library) applyOverrides(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatPrompts, "cannot read prompts directory", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		filePath := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(filePath) // #nosec G304 -- entries come from the configured prompts dir
		if err != nil {
			log.Warn(log.CatPrompts, "skipping unreadable prompt pack", "path", filePath, "error", err)
			continue
		}
		pack, kind, err := parsePack(content)
		if err != nil {
			log.Warn(log.CatPrompts, "skipping malformed prompt pack", "path", filePath, "error", err)
			continue
		}
		l.packs[kind] = pack
		log.Info(log.CatPrompts, "prompt pack overridden", "kind", kind, "path", filePath)
	}
}

// parsePack validates and compiles one pack file.
func parsePack(content []byte) (*Pack, store.WorkerKind, error) {
	var pf packFile
	if err := yaml.Unmarshal(content, &pf); err != nil {
		return nil, "", fmt.Errorf("parsing YAML: %w", err)
	}
	kind := store.WorkerKind(pf.Name)
	if !kind.Valid() {
		return nil, "", fmt.Errorf("pack name %q is not a worker kind", pf.Name)
	}
	if strings.TrimSpace(pf.System) == "" {
		return nil, "", fmt.Errorf("pack %q has an empty system prompt", pf.Name)
	}
	tmpl, err := template.New(pf.Name).Option("missingkey=error").Parse(pf.Task)
	if err != nil {
		return nil, "", fmt.Errorf("compiling task template: %w", err)
	}
	return &Pack{
		Name:        pf.Name,
		Description: pf.Description,
		System:      strings.TrimSpace(pf.System),
		taskTmpl:    tmpl,
	}, kind, nil
}

// System returns the system prompt for a kind.
func (l *Library) System(kind store.WorkerKind) (string, error) {
	pack, ok := l.packs[kind]
	if !ok {
		return "", fmt.Errorf("no prompt pack for kind %q", kind)
	}
	return pack.System, nil
}

// RenderTask renders the task prompt typed into a fresh worker's session.
func (l *Library) RenderTask(kind store.WorkerKind, p TaskParams) (string, error) {
	pack, ok := l.packs[kind]
	if !ok {
		return "", fmt.Errorf("no prompt pack for kind %q", kind)
	}
	var b strings.Builder
	if err := pack.taskTmpl.Execute(&b, p); err != nil {
		return "", fmt.Errorf("rendering %s task prompt: %w", kind, err)
	}
	return strings.TrimSpace(b.String()), nil
}

const feedbackRule = "==================================================="

// FeedbackBlock formats review feedback for injection into the author's
// session. The header carries the decision so the author sees it even when
// scrolled past the body.
func FeedbackBlock(feedback string) string {
	var b strings.Builder
	b.WriteString(feedbackRule)
	b.WriteString("\nCHANGES REQUESTED\n")
	b.WriteString(feedbackRule)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(feedback))
	b.WriteString("\n")
	b.WriteString(feedbackRule)
	return b.String()
}
