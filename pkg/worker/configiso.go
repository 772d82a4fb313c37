package worker

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"

	"github.com/talus-io/talus/pkg/types"
)

// GuestConfig is the JSON document written to a VM's config ISO, read by
// the guest bootstrap program to learn what to run and where to report
// back to.
type GuestConfig struct {
	ID      string                `json:"id"`
	Idx     int                   `json:"idx"`
	Tool    string                `json:"tool"`
	Params  map[string]any        `json:"params"`
	FileSet string                `json:"fileset"`
	DBHost  string                `json:"db_host"`
	Code    types.CodeCredentials `json:"code"`
	Debug   bool                  `json:"debug"`
}

// configISOSizeBytes is generous headroom for the bootstrap program plus
// a JSON config document; both are tiny compared to a VM's disk image.
const configISOSizeBytes = 4 * 1024 * 1024

// BuildConfigISO writes a guest config document and the bootstrap program
// bytes into a fresh ISO9660 image at path.
// bootstrap is the guest-side program that reads config.json and talks
// back over the guest-comms TCP channel; its contents are supplied by the
// image's tool/OS combination and are opaque to the worker.
func BuildConfigISO(path string, cfg GuestConfig, bootstrap []byte) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal guest config: %w", err)
	}

	d, err := diskfs.Create(path, configISOSizeBytes, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("create config iso %s: %w", path, err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: "TALUS_CONFIG",
	})
	if err != nil {
		return fmt.Errorf("create iso9660 filesystem: %w", err)
	}

	if err := writeFile(fs, "/config.json", payload); err != nil {
		return err
	}
	if len(bootstrap) > 0 {
		if err := writeFile(fs, "/bootstrap", bootstrap); err != nil {
			return err
		}
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return fmt.Errorf("unexpected filesystem type %T building config iso", fs)
	}
	if err := iso.Finalize(iso9660.FinalizeOptions{RockRidge: true}); err != nil {
		return fmt.Errorf("finalize config iso %s: %w", path, err)
	}
	return nil
}

func writeFile(fs filesystem.FileSystem, name string, data []byte) error {
	f, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("open %s in config iso: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s in config iso: %w", name, err)
	}
	return nil
}
