package block

// OpKind enumerates the operations of the dispatch contract. The capability
// interfaces in driver.go are the authoritative operation table; OpKind
// exists for introspection and diagnostics (registry validation, `vdisk
// -info` output).
type OpKind int

const (
	OpOpen OpKind = iota
	OpClose
	OpCreate
	OpProbe
	OpRead
	OpWrite
	OpWriteZeroes
	OpFlush
	OpFlushToOS
	OpDiscard
	OpBlockStatus
	OpTruncate
	OpLength
	OpAllocatedFileSize
	OpSnapshotCreate
	OpSnapshotGoto
	OpSnapshotDelete
	OpSnapshotList
	OpCheck
	OpReopenPrepare
	OpReopenCommit
	OpReopenAbort
	OpChildPerm
	OpCheckPerm
	OpSetPerm
	OpAbortPermUpdate
	OpAddChild
	OpDelChild
	OpChangeBackingFile
	OpMakeEmpty
	OpInvalidateCache
	OpInactivate
	OpDebugEvent
	OpDebugBreakpoint
	OpAioAttach
	OpAioDetach
	OpIOPlug
	OpIOUnplug
	OpProbeBlockSizes
)

var opNames = map[OpKind]string{
	OpOpen:              "open",
	OpClose:             "close",
	OpCreate:            "create",
	OpProbe:             "probe",
	OpRead:              "read",
	OpWrite:             "write",
	OpWriteZeroes:       "write-zeroes",
	OpFlush:             "flush",
	OpFlushToOS:         "flush-to-os",
	OpDiscard:           "discard",
	OpBlockStatus:       "get-block-status",
	OpTruncate:          "truncate",
	OpLength:            "getlength",
	OpAllocatedFileSize: "get-allocated-file-size",
	OpSnapshotCreate:    "snapshot-create",
	OpSnapshotGoto:      "snapshot-goto",
	OpSnapshotDelete:    "snapshot-delete",
	OpSnapshotList:      "snapshot-list",
	OpCheck:             "check",
	OpReopenPrepare:     "reopen-prepare",
	OpReopenCommit:      "reopen-commit",
	OpReopenAbort:       "reopen-abort",
	OpChildPerm:         "child-perm",
	OpCheckPerm:         "check-perm",
	OpSetPerm:           "set-perm",
	OpAbortPermUpdate:   "abort-perm-update",
	OpAddChild:          "add-child",
	OpDelChild:          "del-child",
	OpChangeBackingFile: "change-backing-file",
	OpMakeEmpty:         "make-empty",
	OpInvalidateCache:   "invalidate-cache",
	OpInactivate:        "inactivate",
	OpDebugEvent:        "debug-event",
	OpDebugBreakpoint:   "debug-breakpoint",
	OpAioAttach:         "aio-attach",
	OpAioDetach:         "aio-detach",
	OpIOPlug:            "io-plug",
	OpIOUnplug:          "io-unplug",
	OpProbeBlockSizes:   "probe-block-sizes",
}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return "unknown"
}

// Supports reports whether driver d implements the given operation. Open and
// close are part of the mandatory Driver interface and always supported.
func Supports(d Driver, op OpKind) bool {
	switch op {
	case OpOpen, OpClose:
		return true
	case OpCreate:
		_, ok := d.(Creator)
		return ok
	case OpProbe:
		_, ok := d.(Prober)
		return ok
	case OpRead:
		_, ok := d.(Reader)
		return ok
	case OpWrite:
		_, ok := d.(Writer)
		return ok
	case OpWriteZeroes:
		_, ok := d.(ZeroWriter)
		return ok
	case OpFlush:
		_, ok := d.(Flusher)
		return ok
	case OpFlushToOS:
		_, ok := d.(OSFlusher)
		return ok
	case OpDiscard:
		_, ok := d.(Discarder)
		return ok
	case OpBlockStatus:
		_, ok := d.(BlockStatuser)
		return ok
	case OpTruncate:
		_, ok := d.(Truncater)
		return ok
	case OpLength:
		_, ok := d.(Lengther)
		return ok
	case OpAllocatedFileSize:
		_, ok := d.(AllocSizer)
		return ok
	case OpSnapshotCreate, OpSnapshotGoto, OpSnapshotDelete, OpSnapshotList:
		_, ok := d.(Snapshotter)
		return ok
	case OpCheck:
		_, ok := d.(Checker)
		return ok
	case OpReopenPrepare, OpReopenCommit, OpReopenAbort:
		_, ok := d.(Reopener)
		return ok
	case OpChildPerm:
		_, ok := d.(PermissionPolicy)
		return ok
	case OpCheckPerm, OpSetPerm, OpAbortPermUpdate:
		_, ok := d.(PermissionHandler)
		return ok
	case OpAddChild, OpDelChild:
		_, ok := d.(ChildManager)
		return ok
	case OpChangeBackingFile:
		_, ok := d.(BackingChanger)
		return ok
	case OpMakeEmpty:
		_, ok := d.(Emptier)
		return ok
	case OpInvalidateCache:
		_, ok := d.(CacheInvalidator)
		return ok
	case OpInactivate:
		_, ok := d.(Inactivator)
		return ok
	case OpDebugEvent, OpDebugBreakpoint:
		_, ok := d.(Debugger)
		return ok
	case OpAioAttach, OpAioDetach:
		_, ok := d.(AioAware)
		return ok
	case OpIOPlug, OpIOUnplug:
		_, ok := d.(IOPlugger)
		return ok
	case OpProbeBlockSizes:
		_, ok := d.(SizeProber)
		return ok
	}
	return false
}

// SupportedOps returns the names of every operation d implements, in a
// stable order. Used for diagnostics.
func SupportedOps(d Driver) []string {
	var out []string
	for op := OpOpen; op <= OpProbeBlockSizes; op++ {
		if Supports(d, op) {
			out = append(out, op.String())
		}
	}
	return out
}
