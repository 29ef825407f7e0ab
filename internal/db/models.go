package db

// Trove is one installed package record (spec §3, §6.3 troves).
type Trove struct {
	ID                     int64
	Name                   string
	Version                string
	Release                string
	Arch                   string
	InstallReason          string
	SelectionReason        string
	InstalledByChangesetID int64
	Pin                    bool
	Label                  string
}

// FileEntry is one installed file record owned by a Trove.
type FileEntry struct {
	ID          int64
	TroveID     int64
	Path        string
	SHA256Hash  string
	Size        int64
	Mode        uint32
	ComponentID int64
}

// Component is one installed component of a Trove.
type Component struct {
	ID            int64
	ParentTroveID int64
	Name          string
	Description   string
	IsInstalled   bool
}

// Dependency is one edge declared by an installed Trove.
type Dependency struct {
	ID                    int64
	TroveID               int64
	DepName               string
	DepVersionConstraint  string
	DepType               string
}

// Provide is one capability/virtual name an installed Trove provides.
type Provide struct {
	ID      int64
	TroveID int64
	Name    string
	Version string
}

// Scriptlet is one lifecycle hook attached to an installed Trove.
type Scriptlet struct {
	ID            int64
	TroveID       int64
	Phase         string
	Interpreter   string
	Content       string
	Flags         string
	SourceFormat  string
}

// Changeset is one committed transaction record.
type Changeset struct {
	ID          int64
	Description string
	Status      string
	TxUUID      string
	CreatedAt   int64
}

// FileHistoryEntry records one file mutation within a Changeset.
type FileHistoryEntry struct {
	ChangesetID int64
	Path        string
	SHA256Hash  string
	Action      string // add|modify|remove
}

// Repository is one enabled or disabled package source.
type Repository struct {
	ID             int64
	Name           string
	URL            string
	ContentURL     string
	Enabled        bool
	Priority       int
	GPGCheck       bool
	GPGStrict      bool
	GPGKeyURL      string
	GPGFingerprint string
	LastSync       int64
	MetadataExpire int64
}

// RepositoryPackage is the legacy (un-PackageResolution'd) package row.
type RepositoryPackage struct {
	ID               int64
	RepositoryID     int64
	Name             string
	Version          string
	Arch             string
	Checksum         string
	Size             int64
	DownloadURL      string
	DependenciesJSON string
}

// PackageResolutionRow is the stored, strategy-chain form of a
// PackageResolution (spec §3), persisted as JSON for the strategies list.
type PackageResolutionRow struct {
	RepositoryID    int64
	PackageName     string
	VersionPattern  string
	PrimaryStrategy string
	StrategiesJSON  string
}

// StateSnapshot is one rollback point.
type StateSnapshot struct {
	StateNumber      int64
	ChangesetID      int64
	Summary          string
	InstalledSetHash string
}

// DerivedPackage is defined in derived.go alongside the version-policy and
// status state machines it carries.
