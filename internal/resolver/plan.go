package resolver

// MissingDep records an edge whose target has no candidate in the
// snapshot.
type MissingDep struct {
	Name        string
	Constraint  Constraint
	RequiredBy  []string
}

// Conflict textually describes an incompatibility: a dependency edge
// whose target exists but whose version does not satisfy the constraint,
// or a file-ownership collision.
type Conflict struct {
	Description string
	Edge        *Edge
}

// InstallTarget is one (name, version) the plan resolves to install.
type InstallTarget struct {
	Name    string
	Version string
}

// ResolutionPlan is the resolver's verdict for one install/remove request.
type ResolutionPlan struct {
	ToInstall []InstallTarget
	ToRemove  []InstallTarget
	Missing   []MissingDep
	Conflicts []Conflict
	Cyclic    bool
}

// BinaryLookup resolves a missing dependency to a candidate by asking the
// router (or an equivalent source) for the best available binary. The
// resolver only needs its edges; Install/Upgrade mechanics live elsewhere.
type BinaryLookup func(name string, constraint Constraint) (Candidate, []Edge, bool)

// maxTransitiveDepth bounds the transitive closure walk against
// pathological dependency graphs (spec §4.5 step 6).
const maxTransitiveDepth = 10

// ResolveInstall computes a ResolutionPlan for installing (name, version)
// given the current installed snapshot and the incoming edges the new
// package declares. It performs a depth-limited transitive closure via
// lookup when an edge's target is missing from the snapshot, detects
// cycles via a visited set, and returns to_install in Kahn's-algorithm
// topological order (dependencies before dependents).
func ResolveInstall(snapshot *Snapshot, name, version string, edges []Edge, lookup BinaryLookup) (*ResolutionPlan, error) {
	working, err := snapshot.Overlay(Candidate{Name: name, Version: version})
	if err != nil {
		return nil, err
	}

	plan := &ResolutionPlan{ToInstall: []InstallTarget{{Name: name, Version: version}}}

	allEdges := append([]Edge{}, edges...)
	visited := map[string]bool{name: true}
	queue := []string{name}
	depth := map[string]int{name: 0}

	edgesByFrom := map[string][]Edge{}
	for _, e := range allEdges {
		edgesByFrom[e.From] = append(edgesByFrom[e.From], e)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range edgesByFrom[cur] {
			cand, candOK := working.Lookup(e.To)

			if !candOK {
				if lookup == nil || depth[cur] >= maxTransitiveDepth {
					plan.Missing = append(plan.Missing, MissingDep{
						Name:       e.To,
						Constraint: e.Constraint,
						RequiredBy: []string{e.From},
					})
					continue
				}
				found, newEdges, ok := lookup(e.To, e.Constraint)
				if !ok {
					plan.Missing = append(plan.Missing, MissingDep{
						Name:       e.To,
						Constraint: e.Constraint,
						RequiredBy: []string{e.From},
					})
					continue
				}
				working, err = working.Overlay(found)
				if err != nil {
					return nil, err
				}
				cand = found
				candOK = true
				plan.ToInstall = append(plan.ToInstall, InstallTarget{Name: found.Name, Version: found.Version})

				for _, ne := range newEdges {
					edgesByFrom[ne.From] = append(edgesByFrom[ne.From], ne)
				}
			}

			if candOK && !e.Constraint.Satisfies(cand.Version) {
				plan.Conflicts = append(plan.Conflicts, Conflict{
					Description: "dependency " + e.To + " " + e.Constraint.String() + " required by " + e.From + " but installed version is " + cand.Version,
					Edge:        &e,
				})
				continue
			}

			if !visited[e.To] {
				visited[e.To] = true
				depth[e.To] = depth[cur] + 1
				queue = append(queue, e.To)
			}
		}
	}

	order, cyclic := topoSort(plan.ToInstall, edgesByFrom)
	plan.ToInstall = order
	plan.Cyclic = cyclic

	return plan, nil
}

// ResolveRemove reports which installed packages would be broken by
// removing name: every package with an edge pointing at name.
func ResolveRemove(snapshot *Snapshot, name string, edges []Edge) []string {
	var brokenBy []string
	for _, e := range edges {
		if e.To == name {
			brokenBy = append(brokenBy, e.From)
		}
	}
	return brokenBy
}

// topoSort orders targets so that for every edge a -> b within the plan,
// b appears before a (dependencies before dependents), using Kahn's
// algorithm. Any remainder that can't be ordered (a cycle) is appended
// at the end and cyclic is reported true.
func topoSort(targets []InstallTarget, edgesByFrom map[string][]Edge) ([]InstallTarget, bool) {
	inPlan := map[string]bool{}
	for _, t := range targets {
		inPlan[t.Name] = true
	}

	// indegree counts edges from -> to where both ends are in the plan;
	// dependency-before-dependent means "to" must come before "from", so
	// we compute indegree on the reversed graph (to -> from).
	indegree := map[string]int{}
	reverseAdj := map[string][]string{}
	for name := range inPlan {
		indegree[name] = 0
	}
	for from, edges := range edgesByFrom {
		if !inPlan[from] {
			continue
		}
		for _, e := range edges {
			if !inPlan[e.To] {
				continue
			}
			reverseAdj[e.To] = append(reverseAdj[e.To], from)
			indegree[from]++
		}
	}

	var queue []string
	for _, t := range targets {
		if indegree[t.Name] == 0 {
			queue = append(queue, t.Name)
		}
	}

	byName := map[string]InstallTarget{}
	for _, t := range targets {
		byName[t.Name] = t
	}

	var ordered []InstallTarget
	seen := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		ordered = append(ordered, byName[cur])
		for _, dependent := range reverseAdj[cur] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	cyclic := len(ordered) != len(targets)
	if cyclic {
		for _, t := range targets {
			if !seen[t.Name] {
				ordered = append(ordered, t)
			}
		}
	}

	return ordered, cyclic
}
