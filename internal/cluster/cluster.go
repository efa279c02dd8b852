// Package cluster groups near-duplicate news items into clustered events
// using stopword-filtered token sets and Jaccard similarity.
//
// Clustering is greedy and representative-anchored, not transitive: the
// first unseen item in array order anchors a cluster and later items join
// only if they match THAT anchor. If B matches A and C matches B but not
// A, C starts its own cluster. Switching to connected-components
// clustering changes output membership and is a product decision, not a
// bug fix.
//
// Comparisons are O(n²) over the batch. Fine for the low hundreds of
// items a refresh cycle carries; do not feed this thousands of items.
package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/koala73/worldmonitor-engine/internal/model"
)

// SimilarityThreshold is the minimum Jaccard similarity for an item to
// join a cluster.
const SimilarityThreshold = 0.5

// maxTopSources caps the sources surfaced on a clustered event.
const maxTopSources = 3

// Clusterer groups raw items into clustered events. It holds only
// configuration; Cluster itself is a pure function of its input.
type Clusterer struct {
	tierOf func(source string) int
}

// New creates a Clusterer. tierOf maps a source name to its trust tier
// (1 = best); nil means every source ranks at the default tier.
func New(tierOf func(source string) int) *Clusterer {
	return &Clusterer{tierOf: tierOf}
}

// Cluster groups items into events. Deterministic for a fixed input
// order; a different input order can anchor different representatives
// and produce different membership, which is expected.
func (c *Clusterer) Cluster(items []model.RawItem) []model.ClusteredEvent {
	if len(items) == 0 {
		return nil
	}

	// Tokenize once per unique title.
	memo := make(map[string]tokenSet)
	tokens := make([]tokenSet, len(items))
	for i, it := range items {
		if ts, ok := memo[it.Title]; ok {
			tokens[i] = ts
			continue
		}
		ts := tokenSet(Tokenize(it.Title))
		memo[it.Title] = ts
		tokens[i] = ts
	}

	seen := make([]bool, len(items))
	var events []model.ClusteredEvent

	for i := range items {
		if seen[i] {
			continue
		}
		seen[i] = true
		members := []model.RawItem{items[i]}

		for j := i + 1; j < len(items); j++ {
			if seen[j] {
				continue
			}
			if Jaccard(tokens[i], tokens[j]) >= SimilarityThreshold {
				seen[j] = true
				members = append(members, items[j])
			}
		}

		events = append(events, c.buildEvent(members))
	}

	sort.SliceStable(events, func(a, b int) bool {
		return events[a].LastUpdated.After(events[b].LastUpdated)
	})
	return events
}

// buildEvent assembles a ClusteredEvent from cluster members. The primary
// is the best-tier member, ties broken by most recent publish time.
func (c *Clusterer) buildEvent(members []model.RawItem) model.ClusteredEvent {
	ranked := make([]model.RawItem, len(members))
	copy(ranked, members)
	sort.SliceStable(ranked, func(a, b int) bool {
		ta, tb := c.effectiveTier(ranked[a]), c.effectiveTier(ranked[b])
		if ta != tb {
			return ta < tb
		}
		return ranked[a].PublishedAt.After(ranked[b].PublishedAt)
	})
	primary := ranked[0]

	earliest := members[0]
	latest := members[0]
	isAlert := false
	sources := make(map[string]struct{})
	for _, m := range members {
		if m.PublishedAt.Before(earliest.PublishedAt) {
			earliest = m
		}
		if m.PublishedAt.After(latest.PublishedAt) {
			latest = m
		}
		if m.IsAlert {
			isAlert = true
		}
		sources[m.Source] = struct{}{}
	}

	var top []string
	seenSrc := make(map[string]struct{})
	for _, m := range ranked {
		if _, dup := seenSrc[m.Source]; dup {
			continue
		}
		seenSrc[m.Source] = struct{}{}
		top = append(top, m.Source)
		if len(top) == maxTopSources {
			break
		}
	}

	return model.ClusteredEvent{
		ID:            eventID(earliest),
		PrimaryTitle:  primary.Title,
		PrimarySource: primary.Source,
		PrimaryLink:   primary.Link,
		MemberCount:   len(members),
		SourceCount:   len(sources),
		TopSources:    top,
		Members:       members,
		FirstSeen:     earliest.PublishedAt,
		LastUpdated:   latest.PublishedAt,
		IsAlert:       isAlert,
	}
}

func (c *Clusterer) effectiveTier(item model.RawItem) int {
	if item.Tier > 0 {
		return item.Tier
	}
	if c.tierOf != nil {
		return c.tierOf(item.Source)
	}
	return 4
}

// eventID derives a deterministic id from the earliest member: repeated
// runs over the same ordered input produce identical ids.
func eventID(earliest model.RawItem) string {
	return fmt.Sprintf("evt-%d-%s", earliest.PublishedAt.UnixMilli(), titleSlug(earliest.Title, 24))
}

func titleSlug(title string, maxLen int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case isAlphanumeric(r):
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
