package collection

import (
	"strings"

	"github.com/nectardb/nectar/errs"
)

// Handle is a parsed "collection/key" document handle, the form edge
// `_from`/`_to` fields and external client requests address a document by.
type Handle struct {
	Collection string
	Key        string
}

// ParseHandle splits a document handle into its collection and key parts.
// Per SPEC_FULL.md's resolution of the original's handle-parsing open
// question, a handle with no "/" separator returns ErrInvalidHandle rather
// than being silently accepted as a bare key against an implicit
// collection — a single-component handle is ambiguous about which
// collection it names, and guessing one is worse than rejecting it.
func ParseHandle(handle string) (Handle, error) {
	i := strings.IndexByte(handle, '/')
	if i < 0 {
		return Handle{}, errs.New(errs.KindInvalidHandle, "handle must be \"collection/key\": "+handle)
	}
	collectionName, key := handle[:i], handle[i+1:]
	if collectionName == "" || key == "" {
		return Handle{}, errs.New(errs.KindInvalidHandle, "handle must be \"collection/key\": "+handle)
	}
	if strings.IndexByte(key, '/') >= 0 {
		return Handle{}, errs.New(errs.KindInvalidHandle, "handle key must not contain \"/\": "+handle)
	}
	return Handle{Collection: collectionName, Key: key}, nil
}

// String reassembles h into its "collection/key" wire form.
func (h Handle) String() string {
	return h.Collection + "/" + h.Key
}
