package contextstore

import (
	"fmt"
	"sort"
	"strings"
)

// mergeEntries combines the entries into one per the strategy. The base
// entry (newest for latest_wins and combine_all, highest level for
// priority_based) contributes the id; tags and references are always the
// sorted union across all inputs.
func mergeEntries(entries []Entry, strategy MergeStrategy) (Entry, error) {
	if len(entries) == 0 {
		return Entry{}, ErrNoEntries
	}
	if len(entries) == 1 {
		return entries[0], nil
	}

	switch strategy {
	case MergeLatestWins:
		return mergeLatestWins(entries), nil
	case MergeCombineAll:
		return mergeCombineAll(entries), nil
	case MergePriorityBased:
		return mergePriorityBased(entries), nil
	default:
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func mergeLatestWins(entries []Entry) Entry {
	base := entries[0]
	for _, e := range entries[1:] {
		if e.Metadata.Timestamp.After(base.Metadata.Timestamp) {
			base = e
		}
	}
	merged := base
	merged.Metadata.Tags, merged.Metadata.References = unionTagsRefs(entries)
	return merged
}

func mergePriorityBased(entries []Entry) Entry {
	base := entries[0]
	for _, e := range entries[1:] {
		if e.Metadata.Level > base.Metadata.Level ||
			(e.Metadata.Level == base.Metadata.Level &&
				e.Metadata.Timestamp.After(base.Metadata.Timestamp)) {
			base = e
		}
	}
	merged := base
	merged.Metadata.Tags, merged.Metadata.References = unionTagsRefs(entries)
	return merged
}

func mergeCombineAll(entries []Entry) Entry {
	// Oldest-first so later entries win content conflicts.
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Metadata.Timestamp.Before(ordered[j].Metadata.Timestamp)
	})
	newest := ordered[len(ordered)-1]

	merged := Entry{
		ID: newest.ID,
		Metadata: Metadata{
			Source:    newest.Metadata.Source,
			State:     StateActive,
			Timestamp: newest.Metadata.Timestamp,
			Expiry:    newest.Metadata.Expiry,
		},
	}
	for _, e := range ordered {
		if e.Metadata.Level > merged.Metadata.Level {
			merged.Metadata.Level = e.Metadata.Level
		}
	}
	merged.Metadata.Tags, merged.Metadata.References = unionTagsRefs(entries)
	merged.Content = combineContents(ordered)

	for _, e := range ordered {
		if len(e.Metadata.CustomData) == 0 {
			continue
		}
		if merged.Metadata.CustomData == nil {
			merged.Metadata.CustomData = make(map[string]any)
		}
		for k, v := range e.Metadata.CustomData {
			merged.Metadata.CustomData[k] = v
		}
	}
	return merged
}

// combineContents deep-merges map contents in order; if any content is not
// a map, all stringified contents are joined with newlines instead.
func combineContents(ordered []Entry) any {
	allMaps := true
	for _, e := range ordered {
		if _, ok := e.Content.(map[string]any); !ok {
			allMaps = false
			break
		}
	}

	if allMaps {
		out := make(map[string]any)
		for _, e := range ordered {
			deepMerge(out, e.Content.(map[string]any))
		}
		return out
	}

	parts := make([]string, 0, len(ordered))
	for _, e := range ordered {
		if e.Content == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(e.Content))
	}
	return strings.Join(parts, "\n")
}

// deepMerge copies src into dst recursively; nested maps merge key by key
// and any other value overwrites.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
			nested := make(map[string]any, len(sv))
			deepMerge(nested, sv)
			dst[k] = nested
			continue
		}
		dst[k] = v
	}
}

// unionTagsRefs returns the sorted, deduplicated unions of all tags and
// references across the entries.
func unionTagsRefs(entries []Entry) (tags, refs []string) {
	tagSet := make(map[string]struct{})
	refSet := make(map[string]struct{})
	for _, e := range entries {
		for _, t := range e.Metadata.Tags {
			tagSet[t] = struct{}{}
		}
		for _, r := range e.Metadata.References {
			refSet[r] = struct{}{}
		}
	}
	return sortedKeys(tagSet), sortedKeys(refSet)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
