package crawler

// Dedup collapses items sharing an ID into one record. The survivor is the item with the
// most populated optional fields; ties go to the first seen. Output keeps first-seen order
// of IDs, so Dedup(Dedup(x)) == Dedup(x).
func Dedup(items []Item) []Item {
	index := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		i, seen := index[it.ID]
		if !seen {
			index[it.ID] = len(out)
			out = append(out, it)
			continue
		}
		if it.populated() > out[i].populated() {
			out[i] = it
		}
	}
	return out
}
