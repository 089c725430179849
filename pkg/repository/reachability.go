package repository

import "github.com/Ludea/speedupdate/pkg/model"

// The package set forms a graph over revisions: an edge per package
// from its from-revision (or the empty-install sentinel) to its
// to-revision. A package is in use iff removing its edge disconnects
// a (from, to) pair that is currently connected, for pairs rooted at
// the install sentinel or at any registered version.

const installRoot = "\x00empty"

func edgeFrom(p *model.PackageDescriptor) string {
	if p.From == "" {
		return installRoot
	}
	return p.From
}

type adjacency map[string][]string

func buildAdjacency(doc *model.PackagesDocument, skip string) adjacency {
	adj := make(adjacency)
	for i := range doc.Packages {
		p := &doc.Packages[i]
		if p.ID == skip {
			continue
		}
		adj[edgeFrom(p)] = append(adj[edgeFrom(p)], p.To)
	}
	return adj
}

func reachableFrom(adj adjacency, start string) map[string]struct{} {
	seen := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[node] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// inUse reports whether removing pkg would disconnect a revision
// pair that the remaining packages cannot reconnect.
func inUse(versions *model.VersionsDocument, doc *model.PackagesDocument, pkg string) bool {
	withPkg := buildAdjacency(doc, "")
	withoutPkg := buildAdjacency(doc, pkg)

	roots := []string{installRoot}
	for _, v := range versions.Versions {
		roots = append(roots, string(v.Revision))
	}
	for _, root := range roots {
		before := reachableFrom(withPkg, root)
		after := reachableFrom(withoutPkg, root)
		for node := range before {
			if versions.IndexOf(node) < 0 {
				continue // only pairs between registered revisions matter
			}
			if _, ok := after[node]; !ok {
				return true
			}
		}
	}
	return false
}
