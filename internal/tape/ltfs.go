// Package tape mounts and formats the LTFS filesystem that the tape core
// writes archives into. The SCSI/ITDT tape vocabulary itself
// (ready/load/format/write_filemark/...) lives in tapedevice; this package
// owns only the OS-level "expose the cartridge as a mountable directory"
// step, shelling out to the mkltfs/ltfs/ltfsck utilities.
package tape

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tapevault/tapebackarr/internal/cmdutil"
)

// bufOf wraps CombinedOutput's []byte so it can be handed to
// cmdutil.ErrorDetail, which expects the stderr capture as a *bytes.Buffer.
func bufOf(output []byte) *bytes.Buffer {
	return bytes.NewBuffer(output)
}

// LTFSDefaultMountPoint is the default directory where LTFS tapes are mounted.
const LTFSDefaultMountPoint = "/mnt/ltfs"

// LTFSService drives the mkltfs/ltfs/ltfsck utilities for one tape device.
type LTFSService struct {
	devicePath string
	mountPoint string
}

// NewLTFSService creates a new LTFS service for the given tape device.
// mountPoint is the directory where the LTFS volume is mounted; if empty,
// LTFSDefaultMountPoint is used.
func NewLTFSService(devicePath string, mountPoint string) *LTFSService {
	if mountPoint == "" {
		mountPoint = LTFSDefaultMountPoint
	}
	return &LTFSService{
		devicePath: devicePath,
		mountPoint: mountPoint,
	}
}

// DevicePath returns the configured device path.
func (l *LTFSService) DevicePath() string {
	return l.devicePath
}

// MountPoint returns the configured mount point.
func (l *LTFSService) MountPoint() string {
	return l.mountPoint
}

// IsAvailable checks whether the LTFS utilities (mkltfs, ltfs) are installed
// and accessible on the system PATH.
func IsAvailable() bool {
	_, mkErr := exec.LookPath("mkltfs")
	_, ltfsErr := exec.LookPath("ltfs")
	return mkErr == nil && ltfsErr == nil
}

// Format writes the LTFS index structures to the tape in the drive. This is
// the filesystem-level counterpart to tapedevice.Device.Format's SCSI-level
// rewind/erase/write-header sequence; the two are invoked back to back by
// BackupEngine for a Full backup's reformat step. The optional label sets
// the LTFS volume name (max 6 characters for LTO barcodes).
//
// Equivalent to: mkltfs -d /dev/nst0 [-n label]
func (l *LTFSService) Format(ctx context.Context, label string) error {
	args := []string{"-d", l.devicePath}
	if label != "" {
		args = append(args, "-n", label)
	}

	cmd := exec.CommandContext(ctx, "mkltfs", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkltfs failed (%s)", cmdutil.ErrorDetail(err, bufOf(output)))
	}
	return nil
}

// Mount mounts the LTFS tape at the configured mount point, creating the
// mount point directory if it does not exist.
//
// Equivalent to: ltfs /mnt/ltfs -o devname=/dev/nst0
func (l *LTFSService) Mount(ctx context.Context) error {
	if err := os.MkdirAll(l.mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", l.mountPoint, err)
	}

	cmd := exec.CommandContext(ctx, "ltfs", l.mountPoint, "-o", "devname="+l.devicePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ltfs mount failed (%s)", cmdutil.ErrorDetail(err, bufOf(output)))
	}
	return nil
}

// Unmount cleanly unmounts the LTFS tape, flushing the final index to the
// tape. Uses fusermount if available (LTFS is a FUSE filesystem), falling
// back to umount.
func (l *LTFSService) Unmount(ctx context.Context) error {
	if _, err := exec.LookPath("fusermount"); err == nil {
		cmd := exec.CommandContext(ctx, "fusermount", "-u", l.mountPoint)
		if _, err := cmd.CombinedOutput(); err == nil {
			return nil
		}
	}

	cmd := exec.CommandContext(ctx, "umount", l.mountPoint)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ltfs unmount failed (%s)", cmdutil.ErrorDetail(err, bufOf(output)))
	}
	return nil
}

// IsMounted checks whether the LTFS mount point is currently mounted by
// looking for it in /proc/mounts.
func (l *LTFSService) IsMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), l.mountPoint)
}

// Check runs ltfsck (the LTFS consistency checker) against the tape device.
// Useful for verifying tape integrity after an unexpected unmount.
func (l *LTFSService) Check(ctx context.Context) error {
	if _, err := exec.LookPath("ltfsck"); err != nil {
		return fmt.Errorf("ltfsck not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, "ltfsck", l.devicePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ltfsck failed (%s)", cmdutil.ErrorDetail(err, bufOf(output)))
	}
	return nil
}

// VolumeInfo reports diagnostic information about the mounted LTFS volume.
// It never returns an error; unavailable fields are left at their zero
// values so callers can surface partial diagnostics.
type VolumeInfo struct {
	MountPoint  string `json:"mount_point"`
	DevicePath  string `json:"device_path"`
	Mounted     bool   `json:"mounted"`
	VolumeName  string `json:"volume_name,omitempty"`
	UsedBytes   int64  `json:"used_bytes,omitempty"`
	AvailBytes  int64  `json:"available_bytes,omitempty"`
	LTFSVersion string `json:"ltfs_version,omitempty"`
}

// GetVolumeInfo returns diagnostic information about the LTFS volume.
func (l *LTFSService) GetVolumeInfo(ctx context.Context) *VolumeInfo {
	info := &VolumeInfo{
		MountPoint: l.mountPoint,
		DevicePath: l.devicePath,
		Mounted:    l.IsMounted(),
	}

	if !info.Mounted {
		return info
	}

	cmd := exec.CommandContext(ctx, "getfattr", "-n", "ltfs.volumeName", "--only-values", l.mountPoint)
	if output, err := cmd.Output(); err == nil {
		info.VolumeName = strings.TrimSpace(string(output))
	}

	cmd = exec.CommandContext(ctx, "df", "-B1", l.mountPoint)
	if output, err := cmd.Output(); err == nil {
		lines := strings.Split(string(output), "\n")
		if len(lines) >= 2 {
			fields := strings.Fields(lines[1])
			if len(fields) >= 4 {
				fmt.Sscanf(fields[2], "%d", &info.UsedBytes)
				fmt.Sscanf(fields[3], "%d", &info.AvailBytes)
			}
		}
	}

	cmd = exec.CommandContext(ctx, "ltfs", "--version")
	if output, err := cmd.CombinedOutput(); err == nil {
		info.LTFSVersion = strings.TrimSpace(string(output))
	}

	return info
}

// ArchiveEntry describes one top-level archive file found on the mounted
// LTFS volume (one per completed BackupTask).
type ArchiveEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListArchives enumerates the archive files at the root of the mounted LTFS
// volume. Listing the archives on a cartridge is in scope; random-access
// restore indexing beyond file listing is not. Per-file contents of an
// archive are listed via archivewriter.ReadTOC instead of a
// filesystem walk, since the archive itself is an opaque tar/tar.gz stream.
func (l *LTFSService) ListArchives(ctx context.Context) ([]ArchiveEntry, error) {
	if !l.IsMounted() {
		return nil, fmt.Errorf("LTFS volume not mounted at %s", l.mountPoint)
	}

	entries, err := os.ReadDir(l.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("list LTFS volume root: %w", err)
	}

	var archives []ArchiveEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar") && !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, ArchiveEntry{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return archives, nil
}

// ArchivePath joins the mount point with an archive's file name, for
// callers that need the absolute path of an archive listed via
// ListArchives (e.g. to pass to archivewriter.ReadTOC or os.Open for
// restore).
func (l *LTFSService) ArchivePath(name string) string {
	return filepath.Join(l.mountPoint, name)
}
