package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

// Report summarises a storage pass.
type Report struct {
	Migrated []string `json:"migrated,omitempty"`
	Backups  []string `json:"backups,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Seeded   bool     `json:"seeded"`
	SeedDir  string   `json:"seed_dir,omitempty"`
}

// Migrator upgrades old manifests and seeds an empty workspace.
type Migrator struct {
	loader *Loader
	clock  clock.Clock
	logger *zap.Logger
}

// NewMigrator creates a migrator over the loader's root.
func NewMigrator(loader *Loader, clk clock.Clock, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		loader: loader,
		clock:  clock.OrReal(clk),
		logger: logger.Named("workspace.migrate"),
	}
}

// Run migrates every outdated manifest, backing up the original first, and
// writes a sample project when the workspace holds none.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	var report Report
	root := m.loader.Root()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return report, fmt.Errorf("failed to create workspace %s: %w", root, err)
	}

	idx, err := m.loader.Scan(ctx)
	if err != nil {
		return report, err
	}

	for _, p := range idx.Projects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !p.NeedsMigration() {
			continue
		}

		backup, err := m.migrate(p)
		if err != nil {
			m.logger.Error("manifest migration failed", zap.String("project", p.Dir), zap.Error(err))
			report.Failed = append(report.Failed, p.Dir)
			continue
		}
		report.Migrated = append(report.Migrated, p.Dir)
		report.Backups = append(report.Backups, backup)
	}

	if len(idx.Projects) == 0 {
		dir, err := m.seed()
		if err != nil {
			return report, fmt.Errorf("failed to seed workspace: %w", err)
		}
		report.Seeded = true
		report.SeedDir = dir
	}

	m.logger.Info("Workspace storage ready",
		zap.Int("migrated", len(report.Migrated)),
		zap.Int("failed", len(report.Failed)),
		zap.Bool("seeded", report.Seeded),
	)
	return report, nil
}

func (m *Migrator) migrate(p Project) (string, error) {
	root := m.loader.Root()
	manifest := filepath.Join(root, filepath.FromSlash(p.Dir), ManifestName)

	original, err := os.ReadFile(manifest)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(manifest)
	if err != nil {
		return "", err
	}

	backup, err := m.backup(p.Dir, original)
	if err != nil {
		return "", fmt.Errorf("backup failed: %w", err)
	}

	upgraded := upgrade(p, info.ModTime(), m.clock.Now())
	data, err := yaml.Marshal(upgraded)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(manifest, data); err != nil {
		return "", err
	}

	m.logger.Info("Manifest migrated",
		zap.String("project", p.Dir),
		zap.Int("from", p.SchemaVersion),
		zap.Int("to", CurrentSchemaVersion),
	)
	return backup, nil
}

// upgrade fills fields introduced after version 1.
func upgrade(p Project, modTime, now time.Time) Project {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = modTime.UTC()
	}
	p.UpdatedAt = now.UTC()
	p.SchemaVersion = CurrentSchemaVersion
	return p
}

// backup writes a zstd copy of data under BackupDir and returns its path
// relative to the workspace root.
func (m *Migrator) backup(dir string, data []byte) (string, error) {
	root := m.loader.Root()
	if err := os.MkdirAll(filepath.Join(root, BackupDir), 0o755); err != nil {
		return "", err
	}

	name := strings.ReplaceAll(dir, "/", "_")
	if name == "." {
		name = "root"
	}
	rel := filepath.ToSlash(filepath.Join(BackupDir,
		fmt.Sprintf("%s.%d.yaml.zst", name, m.clock.Now().UnixNano())))

	out, err := os.Create(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return "", err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return rel, out.Sync()
}

// ReadBackup decompresses a backup written by a migration.
func ReadBackup(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return io.ReadAll(dec)
}

const sampleDir = "the-lighthouse-keeper"

const sampleChapter = `# Arrival

The supply boat left Mara on the rocks at dusk, with a crate of lamp oil and a
logbook whose last entry was dated eleven years ago.
`

func (m *Migrator) seed() (string, error) {
	root := m.loader.Root()
	dir := filepath.Join(root, sampleDir)
	if err := os.MkdirAll(filepath.Join(dir, "chapters"), 0o755); err != nil {
		return "", err
	}

	now := m.clock.Now().UTC()
	p := Project{
		ID:            uuid.NewString(),
		Title:         "The Lighthouse Keeper",
		Genre:         "mystery",
		Synopsis:      "A keeper arrives at a lighthouse that has not been lit in a decade.",
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, ManifestName), data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, "chapters", "01-arrival.md"), []byte(sampleChapter)); err != nil {
		return "", err
	}

	m.logger.Info("Seeded sample project", zap.String("dir", sampleDir))
	return sampleDir, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
