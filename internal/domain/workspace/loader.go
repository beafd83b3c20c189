package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-yaml"
	"github.com/saintfish/chardet"
	"go.uber.org/zap"
)

// DefaultDocumentPatterns selects manuscript files counted by the index.
var DefaultDocumentPatterns = []string{"**/*.md", "**/*.txt", "**/*.markdown"}

// maxDocumentSize skips files too large to be hand-written prose.
const maxDocumentSize = 8 << 20

// Loader indexes a workspace directory.
type Loader struct {
	root     string
	patterns []string
	logger   *zap.Logger
}

// NewLoader creates a loader for root.
func NewLoader(root string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		root:     root,
		patterns: DefaultDocumentPatterns,
		logger:   logger.Named("workspace"),
	}
}

// Root returns the workspace directory.
func (l *Loader) Root() string {
	return l.root
}

type document struct {
	rel   string
	words int
}

// Scan walks the workspace, parsing manifests and counting manuscript words.
// A missing root yields an empty index.
func (l *Loader) Scan(ctx context.Context) (*Index, error) {
	start := time.Now()
	idx := &Index{Root: l.root, Projects: []Project{}}

	if _, err := os.Stat(l.root); errors.Is(err, fs.ErrNotExist) {
		return idx, nil
	}

	var (
		mu        sync.Mutex
		documents []document
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, l.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			l.logger.Debug("walk error", zap.String("path", p), zap.Error(err))
			return nil
		}

		if d.IsDir() {
			if p != l.root && (d.Name() == BackupDir || strings.HasPrefix(d.Name(), ".")) {
				return fastwalk.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.Name() == ManifestName {
			project, perr := readManifest(p)

			mu.Lock()
			defer mu.Unlock()
			idx.Files++
			if perr != nil {
				idx.Skipped = append(idx.Skipped, Skipped{Path: rel, Reason: perr.Error()})
				return nil
			}
			project.Dir = filepath.ToSlash(filepath.Dir(rel))
			idx.Projects = append(idx.Projects, project)
			return nil
		}

		if !l.matchesDocument(rel) {
			return nil
		}

		words, reason := countWords(p)

		mu.Lock()
		defer mu.Unlock()
		idx.Files++
		if reason != "" {
			idx.Skipped = append(idx.Skipped, Skipped{Path: rel, Reason: reason})
			return nil
		}
		documents = append(documents, document{rel: rel, words: words})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace %s: %w", l.root, err)
	}

	attachDocuments(idx, documents)

	sort.Slice(idx.Projects, func(i, j int) bool { return idx.Projects[i].Dir < idx.Projects[j].Dir })
	sort.Slice(idx.Skipped, func(i, j int) bool { return idx.Skipped[i].Path < idx.Skipped[j].Path })
	idx.Duration = time.Since(start)

	l.logger.Info("Workspace indexed",
		zap.Int("projects", len(idx.Projects)),
		zap.Int("documents", idx.Documents),
		zap.Int("skipped", len(idx.Skipped)),
		zap.Duration("duration", idx.Duration),
	)
	return idx, nil
}

func (l *Loader) matchesDocument(rel string) bool {
	for _, pattern := range l.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// attachDocuments credits each document to the deepest project containing it.
func attachDocuments(idx *Index, docs []document) {
	for _, doc := range docs {
		idx.Documents++
		idx.Words += doc.words

		best := -1
		for i, p := range idx.Projects {
			if p.Dir == "." || strings.HasPrefix(doc.rel, p.Dir+"/") {
				if best < 0 || len(p.Dir) > len(idx.Projects[best].Dir) {
					best = i
				}
			}
		}
		if best >= 0 {
			idx.Projects[best].Documents++
			idx.Projects[best].Words += doc.words
		}
	}
}

func readManifest(path string) (Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Project{}, err
	}

	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Project{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if strings.TrimSpace(p.Title) == "" {
		return Project{}, errors.New("manifest has no title")
	}
	return p, nil
}

// countWords returns the word count, or a reason the file was skipped.
func countWords(path string) (int, string) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err.Error()
	}
	if info.Size() > maxDocumentSize {
		return 0, "file too large"
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return 0, err.Error()
	}
	if !strings.HasPrefix(mtype.String(), "text/") {
		return 0, "not a text file: " + mtype.String()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err.Error()
	}
	if !utf8.Valid(data) {
		charset := "unknown"
		if res, err := chardet.NewTextDetector().DetectBest(data); err == nil {
			charset = res.Charset
		}
		return 0, "unsupported encoding: " + charset
	}

	return len(bytes.Fields(data)), ""
}
