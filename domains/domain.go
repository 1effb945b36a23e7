// Package domains describes the filesystems a campaign can target and how to
// provision a fresh instance of each inside the guest.
package domains

import (
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"alma.local/fsfuzz/remote"
)

// DefaultImageSize is the size of the backing image of every target.
const DefaultImageSize = "256M"

// Filesystem is a target filesystem: its mkfs invocation and mount type.
type Filesystem struct {
	Name string
	// Type is passed to mount -t.
	Type string
	// Mkfs is the formatting command; the image path is appended.
	Mkfs []string
	// MountOptions are added to the loop mount, comma separated.
	MountOptions string
}

var registry = map[string]Filesystem{
	"ext4":     {Name: "ext4", Type: "ext4", Mkfs: []string{"mkfs.ext4", "-F", "-q"}},
	"btrfs":    {Name: "btrfs", Type: "btrfs", Mkfs: []string{"mkfs.btrfs", "-f", "-q"}},
	"f2fs":     {Name: "f2fs", Type: "f2fs", Mkfs: []string{"mkfs.f2fs", "-f", "-q"}},
	"xfs":      {Name: "xfs", Type: "xfs", Mkfs: []string{"mkfs.xfs", "-f", "-q"}},
	"bcachefs": {Name: "bcachefs", Type: "bcachefs", Mkfs: []string{"bcachefs", "format", "-f"}},
}

// Lookup returns the filesystem with the given case-insensitive name.
func Lookup(name string) (Filesystem, error) {
	fs, ok := registry[strings.ToLower(name)]
	if !ok {
		return Filesystem{}, errors.Errorf("unknown filesystem '%s' (available: %s)", name, strings.Join(Names(), ", "))
	}
	return fs, nil
}

// Names lists the registered filesystems.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Target is one filesystem instance of a campaign, with its guest locations.
type Target struct {
	FS Filesystem
	// Image is the backing file, MountPoint where it is mounted.
	Image      string
	MountPoint string
	// Workspace is the directory the executor operates in.
	Workspace string
	// ExecDir is the executor's working directory, where trace.csv lands.
	ExecDir string
}

// NewTarget lays out a target under the given guest directories. testName
// names the workspace directory created inside the mount.
func NewTarget(fs Filesystem, remoteDir, mountRoot, testName string) Target {
	mnt := path.Join(mountRoot, fs.Name)
	return Target{
		FS:         fs,
		Image:      path.Join(remoteDir, fs.Name+".img"),
		MountPoint: mnt,
		Workspace:  path.Join(mnt, testName),
		ExecDir:    path.Join(remoteDir, fs.Name),
	}
}

// Setup returns the commands that format and mount a fresh instance.
func (t Target) Setup() []remote.Command {
	opts := "loop"
	if t.FS.MountOptions != "" {
		opts += "," + t.FS.MountOptions
	}
	mkfs := append(append([]string(nil), t.FS.Mkfs[1:]...), t.Image)
	return []remote.Command{
		{Name: "mkdir", Args: []string{"-p", t.MountPoint, t.ExecDir}},
		{Name: "rm", Args: []string{"-f", t.Image}},
		{Name: "truncate", Args: []string{"-s", DefaultImageSize, t.Image}},
		{Name: t.FS.Mkfs[0], Args: mkfs},
		{Name: "mount", Args: []string{"-t", t.FS.Type, "-o", opts, t.Image, t.MountPoint}},
	}
}

// Teardown unmounts the instance. Failures are expected when nothing is
// mounted and may be ignored.
func (t Target) Teardown() []remote.Command {
	return []remote.Command{
		{Name: "umount", Args: []string{"-l", t.MountPoint}},
	}
}
