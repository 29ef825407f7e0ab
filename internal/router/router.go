package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/cerr"
	"github.com/ConaryLabs/conary/internal/httputil"
)

// maxDelegateDepth guards the Delegate{label} strategy against cycles
// between delegating resolvers (spec §4.6 step 5).
const maxDelegateDepth = 10

// RepositoryPackage is the legacy fallback row synthesized when no
// PackageResolution exists for (repo, name, version): spec §4.6 step 4.
// DependenciesJSON carries the supplemented legacy-dependency-graph feature
// (SPEC_FULL.md "SUPPLEMENTED FEATURES").
type RepositoryPackage struct {
	ID                int64
	RepositoryID      int64
	Name              string
	Version           string
	DownloadURL       string
	Checksum          string
	DependenciesJSON  string
}

// Repository is one enabled package source; Resolve tries repositories in
// (priority desc, name asc) order (see sortRepositories).
type Repository struct {
	ID       int64
	Name     string
	Priority int
	Arch     string
}

// Store provides the router's view of repository metadata: redirect
// aliasing, repository enumeration, and strategy/legacy lookup. A real
// implementation backs this with internal/db; tests use an in-memory fake.
type Store interface {
	Redirect(name string) (string, bool)
	RepositoriesFor(name, arch string) ([]Repository, error)
	Resolution(repo Repository, name, version string) (*PackageResolution, bool, error)
	LegacyPackage(repo Repository, name, version string) (*RepositoryPackage, bool, error)
	DerivedArtifact(name string) (DerivedArtifact, bool, error)
}

// RefineryClient requests and polls format conversions (spec §6.4),
// implemented by internal/refinery.
type RefineryClient interface {
	RequestConversion(ctx context.Context, endpoint, distro, sourceName string) (string, error)
}

// RecipeBuilder runs the build "kitchen" for a Recipe strategy (spec §4.8/
// §4.6 step 5), implemented by the build orchestrator.
type RecipeBuilder interface {
	Build(ctx context.Context, recipeURL string, sourceURLs, patches []string) (string, error)
}

// Router resolves a package name to a local PackageSource by trying, in
// priority order, every repository and every strategy it publishes.
type Router struct {
	store     Store
	client    *http.Client
	cas       *cas.Store
	refinery  RefineryClient
	recipes   RecipeBuilder
	cacheDir  string
}

// Option configures a Router.
type Option func(*Router)

func WithHTTPClient(c *http.Client) Option { return func(r *Router) { r.client = c } }
func WithRefinery(rc RefineryClient) Option { return func(r *Router) { r.refinery = rc } }
func WithRecipeBuilder(rb RecipeBuilder) Option { return func(r *Router) { r.recipes = rb } }

// New builds a Router. store and cas are required.
func New(store Store, casStore *cas.Store, cacheDir string, opts ...Option) *Router {
	r := &Router{
		store:    store,
		cas:      casStore,
		cacheDir: cacheDir,
		client:   httputil.NewSecureClient(httputil.DefaultOptions()),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve implements spec §4.6's six-step flow for one package name.
func (r *Router) Resolve(ctx context.Context, name, version, arch string) (PackageSource, error) {
	// Step 1: filesystem path.
	if looksLikePath(name) {
		if _, err := os.Stat(name); err != nil {
			return PackageSource{}, cerr.Wrap(cerr.Missing, "router.resolve", name, "path does not exist", err)
		}
		return Binary(name), nil
	}

	// Step 2: redirect chain to a fixed point, rejecting cycles.
	resolved, err := r.followRedirects(name)
	if err != nil {
		return PackageSource{}, err
	}

	// Derived-package short-circuit: a built, non-stale derived artifact
	// resolves directly to its CAS object, skipping repository selection
	// and the strategy chain entirely.
	if da, ok, err := r.store.DerivedArtifact(resolved); err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Transient, "router.resolve", resolved, "query derived artifact", err)
	} else if ok {
		return LocalCAS(da.Hash), nil
	}

	// Step 3: repository selection.
	repos, err := r.store.RepositoriesFor(resolved, arch)
	if err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Transient, "router.resolve", resolved, "list repositories", err)
	}
	if len(repos) == 0 {
		return PackageSource{}, cerr.New(cerr.Missing, "router.resolve", resolved, "no enabled repository carries this package")
	}
	repos = sortRepositories(repos)

	var lastErr error
	for _, repo := range repos {
		src, err := r.resolveInRepo(ctx, repo, resolved, version, 0, map[string]bool{})
		if err == nil {
			return src, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cerr.New(cerr.Missing, "router.resolve", resolved, "no repository produced a source")
	}
	return PackageSource{}, lastErr
}

// followRedirects walks rename/obsolete aliases to a fixed point (spec
// §4.6 step 2), rejecting cycles.
func (r *Router) followRedirects(name string) (string, error) {
	seen := map[string]bool{name: true}
	cur := name
	for {
		next, ok := r.store.Redirect(cur)
		if !ok {
			return cur, nil
		}
		if seen[next] {
			return "", cerr.New(cerr.Conflict, "router.redirect", name, "redirect chain cycles back to "+next)
		}
		seen[next] = true
		cur = next
	}
}

// resolveInRepo loads the PackageResolution (or synthesizes a Legacy one)
// for (repo, name, version) and executes its strategies in order (spec
// §4.6 steps 4-6).
func (r *Router) resolveInRepo(ctx context.Context, repo Repository, name, version string, depth int, visited map[string]bool) (PackageSource, error) {
	if depth > maxDelegateDepth {
		return PackageSource{}, cerr.New(cerr.Conflict, "router.delegate", name, "delegate chain exceeds max depth")
	}

	res, ok, err := r.store.Resolution(repo, name, version)
	if err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Transient, "router.resolution", name, "load package resolution", err)
	}
	var strategies []Strategy
	if ok {
		strategies = res.Strategies
	} else {
		legacy, ok, err := r.store.LegacyPackage(repo, name, version)
		if err != nil {
			return PackageSource{}, cerr.Wrap(cerr.Transient, "router.resolution", name, "load legacy package row", err)
		}
		if !ok {
			return PackageSource{}, cerr.New(cerr.Missing, "router.resolution", name, "no resolution or legacy package row")
		}
		strategies = []Strategy{{Kind: StrategyLegacy, RepositoryPackageID: legacy.ID, URL: legacy.DownloadURL, Checksum: legacy.Checksum}}
	}

	var lastErr error
	for _, strat := range strategies {
		src, err := r.execute(ctx, repo, strat, name, version, depth, visited)
		if err == nil {
			return src, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cerr.New(cerr.Missing, "router.strategy", name, "no strategy listed")
	}
	return PackageSource{}, lastErr
}

func (r *Router) execute(ctx context.Context, repo Repository, strat Strategy, name, version string, depth int, visited map[string]bool) (PackageSource, error) {
	switch strat.Kind {
	case StrategyBinary, StrategyLegacy:
		return r.downloadBinary(ctx, name, strat.URL, strat.Checksum)
	case StrategyRefinery:
		if r.refinery == nil {
			return PackageSource{}, cerr.New(cerr.Missing, "router.refinery", name, "no refinery client configured")
		}
		path, err := r.refinery.RequestConversion(ctx, strat.Endpoint, strat.Distro, strat.SourceName)
		if err != nil {
			return PackageSource{}, cerr.Wrap(cerr.Transient, "router.refinery", name, "refinery conversion failed", err)
		}
		return CCS(path), nil
	case StrategyRecipe:
		if r.recipes == nil {
			return PackageSource{}, cerr.New(cerr.Missing, "router.recipe", name, "no recipe builder configured")
		}
		path, err := r.recipes.Build(ctx, strat.RecipeURL, strat.SourceURLs, strat.Patches)
		if err != nil {
			return PackageSource{}, cerr.Wrap(cerr.Transient, "router.recipe", name, "recipe build failed", err)
		}
		return CCS(path), nil
	case StrategyDelegate:
		if visited[strat.Label] {
			return PackageSource{}, cerr.New(cerr.Conflict, "router.delegate", name, "delegate cycle at "+strat.Label)
		}
		visited[strat.Label] = true
		return r.resolveInRepo(ctx, repo, strat.Label, version, depth+1, visited)
	default:
		return PackageSource{}, cerr.New(cerr.Internal, "router.strategy", name, "unknown strategy kind")
	}
}

// downloadBinary fetches url into the router's cache directory, verifying
// the checksum when one is provided, then stores it in CAS.
func (r *Router) downloadBinary(ctx context.Context, name, url, checksum string) (PackageSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Internal, "router.download", name, "build request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return PackageSource{}, cerr.WrapTransport("router.download", name, "fetch artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return PackageSource{}, cerr.New(cerr.Missing, "router.download", name, "artifact not found")
	}
	if resp.StatusCode != http.StatusOK {
		return PackageSource{}, cerr.New(cerr.Transient, "router.download", name, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Transient, "router.download", name, "read artifact body", err)
	}

	if checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != checksum {
			return PackageSource{}, cerr.New(cerr.Integrity, "router.download", name, "checksum mismatch")
		}
	}

	if r.cas != nil {
		key, err := r.cas.Store(data)
		if err != nil {
			return PackageSource{}, cerr.Wrap(cerr.Transient, "router.download", name, "store artifact in CAS", err)
		}
		return LocalCAS(key), nil
	}

	path := filepath.Join(r.cacheDir, name+".bin")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Transient, "router.download", name, "create cache dir", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return PackageSource{}, cerr.Wrap(cerr.Transient, "router.download", name, "write cache file", err)
	}
	return Binary(path), nil
}

func looksLikePath(name string) bool {
	return strings.ContainsRune(name, '/') || strings.HasPrefix(name, ".")
}

// sortRepositories orders by (priority desc, name asc) for determinism;
// version-desc tie-breaking among a repository's own candidate versions
// happens in the resolver snapshot, not here.
func sortRepositories(repos []Repository) []Repository {
	out := append([]Repository{}, repos...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b Repository) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Name < b.Name
}
