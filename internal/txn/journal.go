// Package txn drives an atomic installation through an on-disk journal
// (spec §4.7): plan, prepare, backup, stage, apply to the filesystem,
// commit to the database, finish — with a defined recovery path for every
// crash point. The journal file is rewritten in full and atomically on
// each state change, not appended to. The engine records a package's
// scriptlets in the database but does not run them.
package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// State is one step of the transaction state machine (spec §4.7.1).
type State string

const (
	Planned          State = "planned"
	Prepared         State = "prepared"
	BackedUp         State = "backed_up"
	Staged           State = "staged"
	FSApplied        State = "fs_applied"
	DBCommitting     State = "db_committing"
	DBCommitted      State = "db_committed"
	PostScriptsDone  State = "post_scripts_done"
	Finished         State = "finished"
	Aborted          State = "aborted"
)

// FileAction describes one file mutation the plan phase computed.
type FileAction struct {
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
	Mode uint32 `json:"mode,omitempty"`
}

// ProvideAction records one capability or virtual name the package
// provides (spec §6.3 provides).
type ProvideAction struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// DependencyAction records one dependency edge the package declares
// (spec §6.3 dependencies).
type DependencyAction struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
	Type       string `json:"type"` // runtime|build|optional
}

// ScriptletAction records one lifecycle hook attached to the package
// (spec §6.3 scriptlets).
type ScriptletAction struct {
	Phase        string `json:"phase"`
	Interpreter  string `json:"interpreter"`
	Content      string `json:"content"`
	Flags        string `json:"flags,omitempty"`
	SourceFormat string `json:"source_format"`
}

// Journal is the fsync'd record of one in-flight transaction, rewritten in
// full on every state change.
// Every field needed by recovery (spec §4.7.4) is persisted here, not
// reconstructed from the DB, since the DB itself may not yet be committed.
type Journal struct {
	TxUUID            string             `json:"tx_uuid"`
	State             State              `json:"state"`
	PackageName       string             `json:"package_name"`
	PackageVersion    string             `json:"package_version"`
	IsUpgrade         bool               `json:"is_upgrade"`
	OldPackageVersion string             `json:"old_package_version,omitempty"`
	FilesToStage      []FileAction       `json:"files_to_stage"`
	FilesToBackup     []FileAction       `json:"files_to_backup"`
	FilesToRemove     []FileAction       `json:"files_to_remove"`
	DirsToCreate      []string           `json:"dirs_to_create"`
	Conflicts         []string           `json:"conflicts,omitempty"`
	Provides          []ProvideAction    `json:"provides,omitempty"`
	Dependencies      []DependencyAction `json:"dependencies,omitempty"`
	Scriptlets        []ScriptletAction  `json:"scriptlets,omitempty"`
	ChangesetID       int64              `json:"changeset_id,omitempty"`
	TroveID           int64              `json:"trove_id,omitempty"`

	dir string
}

// workingDir returns <baseDir>/transactions/<tx_uuid>.
func workingDir(baseDir, txUUID string) string {
	return filepath.Join(baseDir, "transactions", txUUID)
}

// archiveDir returns <baseDir>/transactions/archive.
func archiveDir(baseDir string) string {
	return filepath.Join(baseDir, "transactions", "archive")
}

// NewJournal allocates a fresh tx_uuid and its working directory, writing
// the initial `planned` record.
func NewJournal(baseDir, pkgName, pkgVersion string, isUpgrade bool) (*Journal, error) {
	j := &Journal{
		TxUUID:         uuid.NewString(),
		State:          Planned,
		PackageName:    pkgName,
		PackageVersion: pkgVersion,
		IsUpgrade:      isUpgrade,
	}
	j.dir = workingDir(baseDir, j.TxUUID)
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return nil, fmt.Errorf("txn: create working dir: %w", err)
	}
	if err := j.persist(); err != nil {
		return nil, err
	}
	return j, nil
}

// OpenJournal reloads a journal from disk for recovery purposes.
func OpenJournal(baseDir, txUUID string) (*Journal, error) {
	dir := workingDir(baseDir, txUUID)
	data, err := os.ReadFile(filepath.Join(dir, "journal.json"))
	if err != nil {
		return nil, fmt.Errorf("txn: read journal %s: %w", txUUID, err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("txn: decode journal %s: %w", txUUID, err)
	}
	j.dir = dir
	return &j, nil
}

// OpenJournalFromArchive reloads a journal that has already been archived,
// used by tests and operator tooling inspecting finished transactions.
func OpenJournalFromArchive(baseDir, txUUID string) (*Journal, error) {
	dir := filepath.Join(archiveDir(baseDir), txUUID)
	data, err := os.ReadFile(filepath.Join(dir, "journal.json"))
	if err != nil {
		return nil, fmt.Errorf("txn: read archived journal %s: %w", txUUID, err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("txn: decode archived journal %s: %w", txUUID, err)
	}
	j.dir = dir
	return &j, nil
}

// ListInFlight returns the tx_uuids of every journal under baseDir whose
// directory still exists (the archive directory holds finished ones).
func ListInFlight(baseDir string) ([]string, error) {
	txDir := filepath.Join(baseDir, "transactions")
	entries, err := os.ReadDir(txDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("txn: list transactions dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "archive" {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Advance transitions the journal to state and fsyncs both the journal
// file and its containing directory before the new state is considered
// authoritative (spec §4.7.1).
func (j *Journal) Advance(state State) error {
	j.State = state
	return j.persist()
}

// Dir returns the transaction's working directory.
func (j *Journal) Dir() string { return j.dir }

// WorkingPath joins name under the transaction's working directory.
func (j *Journal) WorkingPath(name string) string { return filepath.Join(j.dir, name) }

func (j *Journal) persist() error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("txn: marshal journal: %w", err)
	}
	path := filepath.Join(j.dir, "journal.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("txn: write journal: %w", err)
	}
	if err := fsyncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("txn: rename journal: %w", err)
	}
	return fsyncDir(j.dir)
}

// Archive moves the working directory under transactions/archive/ once a
// transaction reaches finished or a recovery path finalizes it.
func (j *Journal) Archive(baseDir string) error {
	dest := filepath.Join(archiveDir(baseDir), j.TxUUID)
	if err := os.MkdirAll(archiveDir(baseDir), 0o755); err != nil {
		return fmt.Errorf("txn: create archive dir: %w", err)
	}
	if err := os.Rename(j.dir, dest); err != nil {
		return fmt.Errorf("txn: archive journal: %w", err)
	}
	return fsyncDir(archiveDir(baseDir))
}

// Remove deletes the working directory entirely (used when a journal
// never reached a durable state and recovery simply discards it).
func (j *Journal) Remove() error {
	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("txn: remove working dir: %w", err)
	}
	return nil
}

func fsyncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("txn: open for fsync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("txn: fsync file: %w", err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("txn: open dir for fsync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("txn: fsync dir: %w", err)
	}
	return nil
}
