package firmware

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"nrfdfu/internal/dfu"
)

func buildZip(t *testing.T, members map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return path
}

const validManifest = `{"manifest":{"application":{"dat_file":"app.dat","bin_file":"app.bin"}}}`

func TestPackageOpenHappyPath(t *testing.T) {
	path := buildZip(t, map[string][]byte{
		"manifest.json": []byte(validManifest),
		"app.dat":       []byte("init packet bytes"),
		"app.bin":       []byte("firmware image bytes, somewhat longer"),
	})

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pkg.Close()

	initR, initSize, err := pkg.InitPayload()
	if err != nil {
		t.Fatalf("InitPayload: %v", err)
	}
	defer initR.Close()
	initBytes, _ := io.ReadAll(initR)
	if initSize != int64(len(initBytes)) || string(initBytes) != "init packet bytes" {
		t.Fatalf("init payload = %q size=%d, want %q", initBytes, initSize, "init packet bytes")
	}

	fwR, fwSize, err := pkg.FirmwarePayload()
	if err != nil {
		t.Fatalf("FirmwarePayload: %v", err)
	}
	defer fwR.Close()
	fwBytes, _ := io.ReadAll(fwR)
	if fwSize != int64(len(fwBytes)) {
		t.Fatalf("firmware payload size = %d, want %d", fwSize, len(fwBytes))
	}
}

func TestPackageOpenMissingManifest(t *testing.T) {
	path := buildZip(t, map[string][]byte{
		"app.dat": []byte("x"),
		"app.bin": []byte("y"),
	})

	_, err := Open(path)
	mustPackageError(t, err)
}

func TestPackageOpenManifestReferencesMissingMember(t *testing.T) {
	path := buildZip(t, map[string][]byte{
		"manifest.json": []byte(validManifest),
		"app.dat":       []byte("init"),
		// app.bin intentionally absent
	})

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pkg.Close()

	_, _, err = pkg.FirmwarePayload()
	mustPackageError(t, err)
}

func TestPackageOpenRejectsEmptyMember(t *testing.T) {
	path := buildZip(t, map[string][]byte{
		"manifest.json": []byte(validManifest),
		"app.dat":       {},
		"app.bin":       []byte("firmware"),
	})

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pkg.Close()

	_, _, err = pkg.InitPayload()
	mustPackageError(t, err)
}

func mustPackageError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	dfuErr, ok := err.(*dfu.Error)
	if !ok || dfuErr.Kind != dfu.KindPackageError {
		t.Fatalf("err = %v, want *dfu.Error{Kind: KindPackageError}", err)
	}
}
