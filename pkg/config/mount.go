package config

import (
	"fmt"
	"net/url"
	"strings"
)

// MountKind identifies which of the three mount-surface forms a URL names.
type MountKind int

const (
	MountDistFS MountKind = iota // distfs:<path>?mds=<addr>&mds=<addr>&replica=<addr>...
	MountDataFS                  // datafs:<path>?mds=<addr>
	MountFile                    // file:<path>
)

// MountSpec is the parsed form of one of the mount-surface URLs named in
// the external interfaces: distfs:, datafs:, and file:.
type MountSpec struct {
	Kind     MountKind
	Path     string
	MDSAddrs []string
	Replicas []string
}

// ParseMountURL parses the three mount-surface forms this system exposes.
// It is small enough, and specific enough to this domain, to own outright
// rather than reach for a generic URL-parsing library.
func ParseMountURL(raw string) (*MountSpec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mount url %q: %w", raw, err)
	}

	spec := &MountSpec{Path: u.Opaque}
	if spec.Path == "" {
		spec.Path = strings.TrimPrefix(u.Path, "/")
	}

	switch u.Scheme {
	case "distfs":
		spec.Kind = MountDistFS
	case "datafs":
		spec.Kind = MountDataFS
	case "file":
		spec.Kind = MountFile
	default:
		return nil, fmt.Errorf("parse mount url %q: unknown scheme %q", raw, u.Scheme)
	}

	q := u.Query()
	spec.MDSAddrs = q["mds"]
	spec.Replicas = q["replica"]

	if spec.Path == "" {
		return nil, fmt.Errorf("parse mount url %q: missing path", raw)
	}
	if (spec.Kind == MountDistFS || spec.Kind == MountDataFS) && len(spec.MDSAddrs) == 0 {
		return nil, fmt.Errorf("parse mount url %q: missing mds= address", raw)
	}
	return spec, nil
}
