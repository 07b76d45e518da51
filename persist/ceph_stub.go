//go:build !ceph

package persist

import "github.com/pkg/errors"

// CephFactory is a stub when built without the "ceph" tag, mirroring the
// teacher's storage/persistence-ceph-stub.go: the symbol exists so config
// parsing and wiring code compile everywhere, but Open always fails.
type CephFactory struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
}

func (f *CephFactory) Open(path string) (Backend, error) {
	return nil, errors.New("nectar was built without ceph support (rebuild with -tags ceph)")
}
