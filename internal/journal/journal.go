// Package journal records undo actions for in-memory state so that a group of
// mutations can be reverted as a unit, in the style of a state-DB journal.
package journal

// Journal is an undo log. Entries are only recorded while at least one
// snapshot is open; outside a snapshot mutations are final.
type Journal struct {
	undo  []func()
	depth int
}

// Snapshot opens a revision and returns its identifier.
func (j *Journal) Snapshot() int {
	j.depth++
	return len(j.undo)
}

// Record appends an undo action for a mutation that just happened.
func (j *Journal) Record(undo func()) {
	if j.depth == 0 {
		return
	}
	j.undo = append(j.undo, undo)
}

// Revert undoes every mutation recorded since the snapshot id, newest first,
// and closes the revision.
func (j *Journal) Revert(id int) {
	if id < 0 || id > len(j.undo) {
		j.release()
		return
	}
	for i := len(j.undo) - 1; i >= id; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:id]
	j.release()
}

// Commit closes the revision and keeps its mutations. Once the outermost
// revision is committed the log is cleared.
func (j *Journal) Commit(int) {
	j.release()
	if j.depth == 0 {
		j.undo = j.undo[:0]
	}
}

// Len returns the number of pending undo entries.
func (j *Journal) Len() int { return len(j.undo) }

func (j *Journal) release() {
	if j.depth > 0 {
		j.depth--
	}
}
