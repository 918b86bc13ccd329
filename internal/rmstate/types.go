package rmstate

// Version is the persisted store-format version (spec.md §3.2).
type Version struct {
	Major int32
	Minor int32
}

// CurrentVersion is written when no version node exists yet.
var CurrentVersion = Version{Major: 1, Minor: 2}

// ApplicationState is an application's opaque state blob plus its attempts,
// as loaded from the coordination service. The blob's binary layout is an
// external collaborator's concern (spec.md §6); the store only moves bytes.
type ApplicationState struct {
	ID       string
	Blob     []byte
	Attempts map[string][]byte // attempt id -> blob
}

// DTSecretManagerState is the delegation-token secret manager's recovered
// state: master keys, the outstanding token set, and the latest sequence
// number recorded by a token store/update.
type DTSecretManagerState struct {
	MasterKeys     map[int64][]byte
	SequenceNumber int64
	Tokens         map[int64][]byte // token sequence -> record blob
}

// RMState is the full snapshot returned by LoadState.
type RMState struct {
	Version              *Version
	Applications         map[string]*ApplicationState
	DTSecretManagerState DTSecretManagerState
	AMRMTokenState       []byte
}
