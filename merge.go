package duochat

// StatusRule selects how a remote status is folded into a local one.
type StatusRule int

const (
	// StatusForwardOnly adopts the remote status only when it is further
	// along sent → delivered → read.
	StatusForwardOnly StatusRule = iota
	// StatusAdoptRemote adopts any remote status that differs from the
	// local one. A lagging remote can move a message backwards.
	StatusAdoptRemote
)

func (r StatusRule) String() string {
	switch r {
	case StatusForwardOnly:
		return "forward-only"
	case StatusAdoptRemote:
		return "adopt-remote"
	}
	return "unknown"
}

// MergeOptions tunes Merge.
type MergeOptions struct {
	Status StatusRule
}

// MergeStats describes what a merge did.
type MergeStats struct {
	Adopted  int // messages seen for the first time
	Updated  int // existing messages with at least one field changed
	Statuses int
	Deletes  int
	Hides    int // participants added to deletedFor
}

// Changed reports whether anything changed.
func (s MergeStats) Changed() bool { return s.Adopted > 0 || s.Updated > 0 }

// Merge folds a remote snapshot into the local mapping with the default
// forward-only status rule.
func Merge(local, remote Messages) (Messages, bool) {
	merged, stats := MergeWith(local, remote, MergeOptions{})
	return merged, stats.Changed()
}

// MergeWith folds remote into a copy of local. Neither input is modified.
//
// Messages only in remote are adopted as-is. For messages on both sides,
// status follows opts.Status, deleted is sticky once true (and clears the
// text), and deletedFor becomes the union of both sides. Text, sender,
// timestamp and replyTo never change after creation. Messages only in
// local are kept.
func MergeWith(local, remote Messages, opts MergeOptions) (Messages, MergeStats) {
	merged := local.Clone()
	var stats MergeStats

	for id, r := range remote {
		if id == "" {
			continue
		}
		l, ok := merged[id]
		if !ok {
			m := r.clone()
			m.ID = id
			merged[id] = m
			stats.Adopted++
			continue
		}

		changed := false
		if adoptStatus(l.Status, r.Status, opts.Status) {
			l.Status = r.Status
			stats.Statuses++
			changed = true
		}
		if r.Deleted && !l.Deleted {
			l.Deleted = true
			l.Text = ""
			stats.Deletes++
			changed = true
		}
		if added := unionInto(&l.DeletedFor, r.DeletedFor); added > 0 {
			stats.Hides += added
			changed = true
		}
		if changed {
			merged[id] = l
			stats.Updated++
		}
	}
	return merged, stats
}

func adoptStatus(local, remote Status, rule StatusRule) bool {
	if !remote.Valid() || remote == local {
		return false
	}
	if rule == StatusAdoptRemote {
		return true
	}
	return remote.Rank() > local.Rank()
}

// unionInto appends the members of add missing from *set, keeping order.
func unionInto(set *[]string, add []string) int {
	if len(add) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(*set)+len(add))
	for _, p := range *set {
		seen[p] = struct{}{}
	}
	added := 0
	for _, p := range add {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		*set = append(*set, p)
		added++
	}
	return added
}
