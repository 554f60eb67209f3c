package catalog

// State is a row in the states table: one node of the state graph.
type State struct {
	ID         string
	ParentID   string // empty for the root state
	CreatedAt  string
	Operation  string
	Success    bool
	Pruned     bool
	RollbackOf string // empty unless this state was produced by a rollback
}

// PackageRecord binds (name, version) to the store and archive hashes of
// the package content.
type PackageRecord struct {
	ID          int64
	Name        string
	Version     string
	StoreHash   string
	ArchiveHash string
}

// FileEntry is one file belonging to a package within a specific state.
// Exactly one of FileHash or LinkName is set: a regular file carries its
// content-addressed hash, a symlink carries its target and an empty hash.
type FileEntry struct {
	StateID         string
	PackageRecordID int64
	RelativePath    string
	FileHash        string
	LinkName        string
	Mode            int64
}

// SlotBinding records which state (if any) a staging slot currently holds.
type SlotBinding struct {
	SlotIndex int
	StateID   string // empty when the slot is free
	BoundAt   string
}

// GCRun is one row of the gc_log audit trail.
type GCRun struct {
	Timestamp    string
	ItemsRemoved int64
	BytesFreed   int64
}
