package lsm

// VersionEdit is an additive/deletive delta applied to a Version. Every
// mutation to the live file set — a memtable flush, a compaction, a
// trivial move, recovery replay — goes through a VersionEdit so the
// manifest log has a complete, replayable history.
type VersionEdit struct {
	NewFiles     map[int][]*FileMetaData
	DeletedFiles map[int][]uint64

	LogNumber       uint64
	NextFileNumber  uint64
	LastSequence    uint64
	ComparatorName  string

	HasLogNumber      bool
	HasNextFileNumber bool
	HasLastSequence   bool
}

// NewVersionEdit returns an empty edit ready for AddFile/DeleteFile
// calls.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{
		NewFiles:     make(map[int][]*FileMetaData),
		DeletedFiles: make(map[int][]uint64),
	}
}

// AddFile records a new file (or PMEM run) installed at level.
func (e *VersionEdit) AddFile(level int, f *FileMetaData) {
	f.Level = level
	e.NewFiles[level] = append(e.NewFiles[level], f)
}

// DeleteFile records number's removal from level.
func (e *VersionEdit) DeleteFile(level int, number uint64) {
	e.DeletedFiles[level] = append(e.DeletedFiles[level], number)
}

// SetLogNumber records the WAL file number the edit takes effect from.
func (e *VersionEdit) SetLogNumber(n uint64) {
	e.LogNumber = n
	e.HasLogNumber = true
}

// SetLastSequence records the highest sequence number covered by the
// edit.
func (e *VersionEdit) SetLastSequence(seq uint64) {
	e.LastSequence = seq
	e.HasLastSequence = true
}

// populateDefaults fills NextFileNumber/LastSequence from vs when the
// caller didn't set them explicitly, so every appended edit carries
// enough state for manifest-only recovery.
func (e *VersionEdit) populateDefaults(vs *VersionSet) {
	if !e.HasNextFileNumber {
		e.NextFileNumber = vs.nextFileNumber
		e.HasNextFileNumber = true
	}
	if !e.HasLastSequence {
		e.LastSequence = vs.lastSequence
		e.HasLastSequence = true
	}
	if e.ComparatorName == "" {
		e.ComparatorName = "bytewise"
	}
}
