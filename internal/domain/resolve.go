package domain

import "sort"

// Group is one cluster of workouts judged to be the same session.
type Group struct {
	// Members are ordered by completeness score, canonical first.
	Members     []Workout
	Scores      map[string]int
	CanonicalID string
	ToMergeIDs  []string
}

// Canonical returns the member retained as source of truth.
func (g Group) Canonical() Workout { return g.Members[0] }

// Duplicates returns the members that will be flagged, in merge order.
func (g Group) Duplicates() []Workout { return g.Members[1:] }

// ResolveGroups clusters workouts with single-linkage over IsDuplicatePair and
// picks a canonical member per cluster. Clusters whose duplicates already
// point at the chosen canonical are omitted.
func ResolveGroups(workouts []Workout) []Group {
	var groups []Group
	for _, cluster := range clusterWorkouts(workouts) {
		if len(cluster) < 2 {
			continue
		}
		group := rankCluster(cluster)
		if alreadyResolved(group) {
			continue
		}
		groups = append(groups, group)
	}
	return groups
}

// clusterWorkouts scans in input order. Each unassigned workout seeds a
// cluster which then absorbs every unassigned workout matching any member, so
// a single bridging match is enough to join.
func clusterWorkouts(workouts []Workout) [][]Workout {
	assigned := make([]bool, len(workouts))
	var clusters [][]Workout

	for seed := range workouts {
		if assigned[seed] {
			continue
		}
		assigned[seed] = true
		members := []int{seed}

		for next := 0; next < len(members); next++ {
			current := workouts[members[next]]
			for j := seed + 1; j < len(workouts); j++ {
				if assigned[j] || !IsDuplicatePair(current, workouts[j]) {
					continue
				}
				assigned[j] = true
				members = append(members, j)
			}
		}

		sort.Ints(members)
		cluster := make([]Workout, len(members))
		for i, idx := range members {
			cluster[i] = workouts[idx]
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func rankCluster(cluster []Workout) Group {
	scores := make(map[string]int, len(cluster))
	for _, w := range cluster {
		scores[w.ID] = CompletenessScore(w)
	}

	ranked := make([]Workout, len(cluster))
	copy(ranked, cluster)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i].ID] > scores[ranked[j].ID]
	})

	group := Group{
		Members:     ranked,
		Scores:      scores,
		CanonicalID: ranked[0].ID,
		ToMergeIDs:  make([]string, 0, len(ranked)-1),
	}
	for _, w := range ranked[1:] {
		group.ToMergeIDs = append(group.ToMergeIDs, w.ID)
	}
	return group
}

func alreadyResolved(g Group) bool {
	if g.Canonical().IsDuplicate {
		return false
	}
	for _, w := range g.Duplicates() {
		if !w.IsDuplicate || w.DuplicateOf == nil || *w.DuplicateOf != g.CanonicalID {
			return false
		}
	}
	return true
}
