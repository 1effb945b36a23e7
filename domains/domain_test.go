package domains

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLookup(t *testing.T) {
	fs, err := Lookup("EXT4")
	if err != nil || fs.Name != "ext4" {
		t.Errorf("Expected ext4, got %+v (%v)", fs, err)
	}
	if _, err := Lookup("fat"); err == nil {
		t.Errorf("Expected error for unknown filesystem")
	}
}

func TestNames(t *testing.T) {
	want := []string{"bcachefs", "btrfs", "ext4", "f2fs", "xfs"}
	if diff := cmp.Diff(want, Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetLayout(t *testing.T) {
	fs, _ := Lookup("btrfs")
	tg := NewTarget(fs, "/root/fsfuzz", "/mnt", "fstest")
	if tg.Workspace != "/mnt/btrfs/fstest" || tg.ExecDir != "/root/fsfuzz/btrfs" || tg.Image != "/root/fsfuzz/btrfs.img" {
		t.Errorf("Unexpected layout %+v", tg)
	}
	setup := tg.Setup()
	mkfs := setup[3]
	if mkfs.Name != "mkfs.btrfs" || mkfs.Args[len(mkfs.Args)-1] != tg.Image {
		t.Errorf("Expected mkfs.btrfs on the image, got %s", mkfs)
	}
	mount := setup[len(setup)-1]
	want := []string{"-t", "btrfs", "-o", "loop", tg.Image, tg.MountPoint}
	if diff := cmp.Diff(want, mount.Args); diff != "" {
		t.Errorf("mount args mismatch (-want +got):\n%s", diff)
	}
}
