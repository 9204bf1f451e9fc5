// Package firmware opens a DFU distribution package (a ZIP archive holding
// an init packet, a firmware image, and a manifest naming them) and exposes
// the two payloads as sized readers.
package firmware

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"

	"nrfdfu/internal/dfu"
)

// manifest mirrors the subset of Nordic's manifest.json this implementation
// cares about: the application image's init and firmware members.
type manifest struct {
	Manifest struct {
		Application struct {
			DatFile string `json:"dat_file"`
			BinFile string `json:"bin_file"`
		} `json:"application"`
	} `json:"manifest"`
}

// Package is an opened DFU distribution ZIP.
type Package struct {
	zr  *zip.ReadCloser
	man manifest
}

// Open reads path as a ZIP archive and parses its manifest.json. A missing
// manifest, malformed JSON, or a manifest without the application
// dat_file/bin_file entries is a fatal *dfu.Error. Whether the named members
// exist (and are non-empty) is checked by InitPayload and FirmwarePayload.
func Open(path string) (*Package, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, dfu.PackageErr("open_package", err)
	}

	f, err := findMember(zr, "manifest.json")
	if err != nil {
		zr.Close()
		return nil, dfu.PackageErr("open_package", err)
	}

	r, err := f.Open()
	if err != nil {
		zr.Close()
		return nil, dfu.PackageErr("open_package", err)
	}
	defer r.Close()

	var man manifest
	if err := json.NewDecoder(r).Decode(&man); err != nil {
		zr.Close()
		return nil, dfu.PackageErr("parse_manifest", err)
	}
	if man.Manifest.Application.DatFile == "" || man.Manifest.Application.BinFile == "" {
		zr.Close()
		return nil, dfu.PackageErr("parse_manifest", fmt.Errorf("manifest is missing the application dat_file/bin_file entries"))
	}

	return &Package{zr: zr, man: man}, nil
}

// InitPayload opens the init/command payload (the manifest's dat_file) and
// reports its uncompressed size.
func (p *Package) InitPayload() (io.ReadCloser, int64, error) {
	return p.open(p.man.Manifest.Application.DatFile)
}

// FirmwarePayload opens the firmware/data payload (the manifest's bin_file)
// and reports its uncompressed size.
func (p *Package) FirmwarePayload() (io.ReadCloser, int64, error) {
	return p.open(p.man.Manifest.Application.BinFile)
}

func (p *Package) open(name string) (io.ReadCloser, int64, error) {
	f, err := findMember(p.zr, name)
	if err != nil {
		return nil, 0, dfu.PackageErr("open_member", err)
	}
	if f.UncompressedSize64 == 0 {
		return nil, 0, dfu.PackageErr("open_member", fmt.Errorf("%s is empty", name))
	}
	r, err := f.Open()
	if err != nil {
		return nil, 0, dfu.PackageErr("open_member", err)
	}
	return r, int64(f.UncompressedSize64), nil
}

// Close releases the underlying ZIP reader.
func (p *Package) Close() error {
	return p.zr.Close()
}

func findMember(zr *zip.ReadCloser, name string) (*zip.File, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s not found in package", name)
}
