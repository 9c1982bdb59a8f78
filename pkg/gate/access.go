package gate

import "strings"

// AccessBits describes the access an intercepted operation is requesting,
// one bit per capability. Multiple bits may be set for a single event.
type AccessBits uint32

const (
	// AccessQuery marks a pure existence/permission probe that carries no
	// data access of its own.
	AccessQuery AccessBits = 1 << iota
	AccessListDirectory
	AccessSearch
	AccessReadAttributes
	AccessWriteAttributes
	AccessReadExtAttributes
	AccessWriteExtAttributes
	AccessReadSecurity
	AccessWriteSecurity
	AccessReadData
	AccessWriteData
	AccessAppendData
	AccessExecute
	AccessDelete
	AccessDeleteChild
	AccessLinkTarget
)

// Any reports whether any bit in mask is requested.
func (a AccessBits) Any(mask AccessBits) bool {
	return a&mask != 0
}

// None reports whether no bit in mask is requested.
func (a AccessBits) None(mask AccessBits) bool {
	return a&mask == 0
}

// Masks consulted by the decision gate.
const (
	// offlineWriteMask covers destructive/metadata-write access that an
	// offline root can never satisfy safely.
	offlineWriteMask = AccessWriteAttributes |
		AccessWriteExtAttributes |
		AccessWriteData |
		AccessAppendData |
		AccessWriteSecurity |
		AccessLinkTarget

	// emptyOfflineMask is what remains permitted on an empty placeholder
	// when its provider is offline: queries and deletions.
	emptyOfflineMask = AccessQuery | AccessDelete | AccessDeleteChild | AccessReadExtAttributes

	// emptyOfflineDirMask additionally lets empty directories be listed
	// and inspected, otherwise recursive delete cannot traverse them.
	emptyOfflineDirMask = AccessReadAttributes | AccessReadSecurity | AccessListDirectory | AccessSearch

	// dirEnumerateMask triggers directory enumeration of an empty
	// placeholder directory.
	dirEnumerateMask = AccessListDirectory |
		AccessSearch |
		AccessReadSecurity |
		AccessReadAttributes |
		AccessReadExtAttributes

	// fileHydrateMask triggers hydration of an empty placeholder file.
	fileHydrateMask = AccessReadAttributes |
		AccessWriteAttributes |
		AccessReadExtAttributes |
		AccessWriteExtAttributes |
		AccessReadData |
		AccessWriteData |
		AccessExecute
)

var accessNames = []struct {
	bit  AccessBits
	name string
}{
	{AccessQuery, "query"},
	{AccessListDirectory, "list"},
	{AccessSearch, "search"},
	{AccessReadAttributes, "read_attr"},
	{AccessWriteAttributes, "write_attr"},
	{AccessReadExtAttributes, "read_xattr"},
	{AccessWriteExtAttributes, "write_xattr"},
	{AccessReadSecurity, "read_security"},
	{AccessWriteSecurity, "write_security"},
	{AccessReadData, "read_data"},
	{AccessWriteData, "write_data"},
	{AccessAppendData, "append_data"},
	{AccessExecute, "execute"},
	{AccessDelete, "delete"},
	{AccessDeleteChild, "delete_child"},
	{AccessLinkTarget, "link_target"},
}

func (a AccessBits) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, n := range accessNames {
		if a.Any(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
