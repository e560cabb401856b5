package tape

import "testing"

func TestNewLTFSService(t *testing.T) {
	svc := NewLTFSService("/dev/nst0", "/mnt/ltfs")
	if svc.DevicePath() != "/dev/nst0" {
		t.Errorf("expected device path /dev/nst0, got %s", svc.DevicePath())
	}
	if svc.MountPoint() != "/mnt/ltfs" {
		t.Errorf("expected mount point /mnt/ltfs, got %s", svc.MountPoint())
	}
}

func TestNewLTFSServiceDefaultMountPoint(t *testing.T) {
	svc := NewLTFSService("/dev/nst1", "")
	if svc.MountPoint() != LTFSDefaultMountPoint {
		t.Errorf("expected default mount point %s, got %s", LTFSDefaultMountPoint, svc.MountPoint())
	}
}

func TestLTFSServiceIsMountedFalse(t *testing.T) {
	svc := NewLTFSService("/dev/nst0", "/tmp/ltfs-test-nonexistent-"+t.Name())
	if svc.IsMounted() {
		t.Error("expected IsMounted to return false for a mount point absent from /proc/mounts")
	}
}

func TestLTFSServiceGetVolumeInfoUnmounted(t *testing.T) {
	svc := NewLTFSService("/dev/nst0", "/tmp/ltfs-test-unmounted-"+t.Name())
	info := svc.GetVolumeInfo(nil) //nolint:staticcheck // context not needed on the unmounted fast path
	if info.Mounted {
		t.Error("expected Mounted=false for an unmounted volume")
	}
	if info.VolumeName != "" {
		t.Error("expected no volume name to be populated when unmounted")
	}
}

func TestLTFSServiceListArchivesRequiresMount(t *testing.T) {
	svc := NewLTFSService("/dev/nst0", "/tmp/ltfs-test-list-"+t.Name())
	if _, err := svc.ListArchives(nil); err == nil { //nolint:staticcheck
		t.Error("expected ListArchives to fail against an unmounted volume")
	}
}

func TestArchivePath(t *testing.T) {
	svc := NewLTFSService("/dev/nst0", "/mnt/ltfs")
	got := svc.ArchivePath("plan1_20250115T100000Z.tar")
	want := "/mnt/ltfs/plan1_20250115T100000Z.tar"
	if got != want {
		t.Errorf("ArchivePath() = %q, want %q", got, want)
	}
}
