// Package layout owns the znode path tree, naming conventions, and
// per-record size guard described by SPEC_FULL.md §3.1 and §4.4 (C4). It
// has no coordination-service dependency: it only computes paths and names
// and decides whether a blob is small enough to write.
package layout

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Node names directly under the state root, matching the original
// ZKRMStateStore tree byte-for-byte (this is the on-disk contract per
// spec.md §6).
const (
	VersionNode                = "RMVersionNode"
	EpochNode                  = "EpochNode"
	FencingLockNode            = "RM_ZK_FENCING_LOCK"
	AppRootNode                = "RMAppRoot"
	DTSecretManagerRootNode    = "RMDTSecretManagerRoot"
	DTSequentialNumberNode     = "RMDTSequentialNumber"
	DelegationTokensRootNode   = "RMDelegationTokensRoot"
	DTMasterKeysRootNode       = "RMDTMasterKeysRoot"
	AMRMTokenSecretManagerNode = "AMRMTokenSecretManagerRoot"
)

// Name prefixes for record children.
const (
	ApplicationPrefix     = "application_"
	AttemptPrefix         = "appattempt_"
	DelegationTokenPrefix = "RMDelegationToken_"
	MasterKeyPrefix       = "DelegationKey_"
)

// DefaultRoot is the default working path, spec.md §3.1 / §6.
const DefaultRoot = "/rmstore"

// Tree computes every znode path the store touches, rooted at Root.
type Tree struct {
	Root string
}

// New constructs a Tree, defaulting to DefaultRoot when root is empty.
func New(root string) Tree {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot
	}
	return Tree{Root: strings.TrimRight(root, "/")}
}

func (t Tree) child(parent, name string) string {
	return path.Join(parent, name)
}

// VersionPath is the version blob's znode.
func (t Tree) VersionPath() string { return t.child(t.Root, VersionNode) }

// EpochPath is the monotonic epoch counter's znode.
func (t Tree) EpochPath() string { return t.child(t.Root, EpochNode) }

// FencingLockPath is the transient fence witness, never persisted across
// operations (spec.md §3.1).
func (t Tree) FencingLockPath() string { return t.child(t.Root, FencingLockNode) }

// AppRootPath is the parent of every application znode.
func (t Tree) AppRootPath() string { return t.child(t.Root, AppRootNode) }

// AppPath is a single application's znode, given its raw (unprefixed) id.
func (t Tree) AppPath(appID string) string {
	return t.child(t.AppRootPath(), ApplicationName(appID))
}

// AttemptPath is a single attempt's znode, nested under its application.
func (t Tree) AttemptPath(appID, attemptID string) string {
	return t.child(t.AppPath(appID), AttemptName(attemptID))
}

// DTSecretManagerRootPath is the parent of the delegation-token secret
// manager's sub-tree.
func (t Tree) DTSecretManagerRootPath() string { return t.child(t.Root, DTSecretManagerRootNode) }

// SequentialNumberPath holds the latest delegation-token sequence number.
func (t Tree) SequentialNumberPath() string {
	return t.child(t.DTSecretManagerRootPath(), DTSequentialNumberNode)
}

// TokensRootPath is the parent of every delegation-token znode.
func (t Tree) TokensRootPath() string {
	return t.child(t.DTSecretManagerRootPath(), DelegationTokensRootNode)
}

// TokenPath is a single delegation token's znode, given its sequence number.
func (t Tree) TokenPath(seq int64) string {
	return t.child(t.TokensRootPath(), DelegationTokenName(seq))
}

// MasterKeysRootPath is the parent of every delegation master-key znode.
func (t Tree) MasterKeysRootPath() string {
	return t.child(t.DTSecretManagerRootPath(), DTMasterKeysRootNode)
}

// MasterKeyPath is a single master key's znode, given its key id.
func (t Tree) MasterKeyPath(keyID int64) string {
	return t.child(t.MasterKeysRootPath(), MasterKeyName(keyID))
}

// AMRMPath is the AM-RM token secret-manager state's znode.
func (t Tree) AMRMPath() string { return t.child(t.Root, AMRMTokenSecretManagerNode) }

// StaticNodes returns every fixed directory/leaf znode that must exist
// before the store is usable, in creation order (parents before children).
func (t Tree) StaticNodes() []string {
	return []string{
		t.Root,
		t.AppRootPath(),
		t.DTSecretManagerRootPath(),
		t.SequentialNumberPath(),
		t.TokensRootPath(),
		t.MasterKeysRootPath(),
	}
}

// ApplicationName builds the znode name for an application id.
func ApplicationName(appID string) string { return ApplicationPrefix + appID }

// ParseApplicationID extracts the raw id from an application znode name; ok
// is false for names that don't carry the expected prefix (forward
// compatibility: unknown children are skipped by the caller, per
// SPEC_FULL.md §4.4).
func ParseApplicationID(name string) (string, bool) {
	if !strings.HasPrefix(name, ApplicationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, ApplicationPrefix), true
}

// AttemptName builds the znode name for an attempt id.
func AttemptName(attemptID string) string { return AttemptPrefix + attemptID }

// ParseAttemptID extracts the raw id from an attempt znode name.
func ParseAttemptID(name string) (string, bool) {
	if !strings.HasPrefix(name, AttemptPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, AttemptPrefix), true
}

// DelegationTokenName builds the znode name for a delegation token,
// zero-padded the way RMDelegationToken_<n> is rendered by the original
// store so lexical and numeric child ordering agree.
func DelegationTokenName(seq int64) string {
	return fmt.Sprintf("%s%019d", DelegationTokenPrefix, seq)
}

// ParseDelegationTokenSeq extracts the sequence number from a token znode
// name.
func ParseDelegationTokenSeq(name string) (int64, bool) {
	if !strings.HasPrefix(name, DelegationTokenPrefix) {
		return 0, false
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(name, DelegationTokenPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// MasterKeyName builds the znode name for a delegation master key.
func MasterKeyName(keyID int64) string {
	return fmt.Sprintf("%s%d", MasterKeyPrefix, keyID)
}

// ParseMasterKeyID extracts the key id from a master-key znode name.
func ParseMasterKeyID(name string) (int64, bool) {
	if !strings.HasPrefix(name, MasterKeyPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, MasterKeyPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
