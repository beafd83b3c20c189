package workspace

import (
	"time"
)

// ManifestName is the file that marks a directory as a project.
const ManifestName = "world.yaml"

// CurrentSchemaVersion is the manifest version written by this build.
const CurrentSchemaVersion = 2

// BackupDir holds compressed copies of manifests replaced by a migration.
const BackupDir = ".backup"

// Project is a story world on disk.
type Project struct {
	ID            string    `yaml:"id" json:"id"`
	Title         string    `yaml:"title" json:"title"`
	Genre         string    `yaml:"genre,omitempty" json:"genre,omitempty"`
	Synopsis      string    `yaml:"synopsis,omitempty" json:"synopsis,omitempty"`
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	CreatedAt     time.Time `yaml:"created_at,omitempty" json:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at,omitempty" json:"updated_at"`

	// Relative to the workspace root
	Dir       string `yaml:"-" json:"dir"`
	Documents int    `yaml:"-" json:"documents"`
	Words     int    `yaml:"-" json:"words"`
}

// NeedsMigration reports whether the manifest predates CurrentSchemaVersion.
func (p Project) NeedsMigration() bool {
	return p.SchemaVersion < CurrentSchemaVersion
}

// Skipped is a file the index could not use.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Index is the result of scanning the workspace.
type Index struct {
	Root      string        `json:"root"`
	Projects  []Project     `json:"projects"`
	Skipped   []Skipped     `json:"skipped,omitempty"`
	Files     int           `json:"files"`
	Documents int           `json:"documents"`
	Words     int           `json:"words"`
	Duration  time.Duration `json:"duration"`
}

// Project returns the project with id.
func (idx *Index) Project(id string) (Project, bool) {
	for _, p := range idx.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}
