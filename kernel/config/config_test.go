package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gent/kernel/mm"
	"gent/kernel/mm/vmm"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	mode, err := cfg.PagingMode()
	if err != nil || mode != vmm.Sv39 {
		t.Fatalf("expected sv39; got %s (%v)", mode, err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
paging = "sv48"
harts = 4

[memory]
size = "128MiB"
hhdm = "0xffff_8000_0000_0000"
virt_base = "0xffff_9000_0000_0000"

[[swap]]
kind = "ramdisk"
blocks = 16
block_size = 1024

[[swap]]
kind = "ramdisk"
blocks = 8
block_size = 4096

[[thread]]
name = "worker"
program = "pattern"
priority = 5
`)
	if err != nil {
		t.Fatal(err)
	}

	exp := Default()
	exp.Paging = "sv48"
	exp.Harts = 4
	exp.Memory.Size = Size(128 * mm.Mb)
	exp.Memory.HHDM = 0xffff_8000_0000_0000
	exp.Memory.VirtBase = 0xffff_9000_0000_0000
	exp.Swap = []Disk{
		{Kind: DiskRAM, Blocks: 16, BlockSize: 1024},
		{Kind: DiskRAM, Blocks: 8, BlockSize: 4096},
	}
	exp.Threads = []Thread{{Name: "worker", Program: ProgramPattern, Priority: 5}}

	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestParseKeepsDefaultLists(t *testing.T) {
	cfg, err := Parse(`harts = 1`)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(Default().Threads, cfg.Threads); diff != "" {
		t.Fatalf("expected default threads (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Default().Swap, cfg.Swap); diff != "" {
		t.Fatalf("expected default swap (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	specs := []struct {
		descr string
		input string
		exp   error
	}{
		{"unknown key", `colour = "blue"`, ErrUnknownKey},
		{"bad paging", `paging = "sv64"`, ErrInvalid},
		{"bare paging", `paging = "bare"`, ErrInvalid},
		{"no harts", `harts = 0`, ErrInvalid},
		{"slow timer", `timer_hz = 10`, ErrInvalid},
		{"bad log level", `log_level = "chatty"`, ErrInvalid},
		{"misaligned base", "[memory]\nbase = \"0x8000_0010\"", ErrInvalid},
		{"virt in lower half", "[memory]\nvirt_base = \"0x1000_0000\"", ErrInvalid},
		{"non-canonical virt", "[memory]\nvirt_base = \"0xff00_0000_0000_0000\"", ErrInvalid},
		{"user in higher half", "[memory]\nuser_base = \"0xffff_ffe0_0000_0000\"", ErrInvalid},
		{"file disk without path", "[[swap]]\nkind = \"file\"\nblocks = 1\nblock_size = 512", ErrInvalid},
		{"unknown disk", "[[swap]]\nkind = \"nvme\"\nblocks = 1\nblock_size = 512", ErrInvalid},
		{"odd block size", "[[swap]]\nkind = \"ramdisk\"\nblocks = 1\nblock_size = 1000", ErrInvalid},
		{"unknown program", "[[thread]]\nname = \"x\"\nprogram = \"doom\"", ErrInvalid},
	}

	for _, spec := range specs {
		_, err := Parse(spec.input)
		if !errors.Is(err, spec.exp) {
			t.Errorf("[%s] expected error %v; got %v", spec.descr, spec.exp, err)
		}
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	specs := []string{
		`harts = "two"`,
		"[memory]\nsize = \"lots\"",
		"[memory]\nbase = \"nowhere\"",
		"[[thread]]\npriority = 300",
	}

	for specIndex, spec := range specs {
		if _, err := Parse(spec); err == nil {
			t.Errorf("[spec %d] expected a decode error", specIndex)
		}
	}
}

func TestSizeText(t *testing.T) {
	specs := []struct {
		in  string
		exp Size
	}{
		{"4096", 4096},
		{"0x1000", 4096},
		{"16KiB", Size(16 * mm.Kb)},
		{"16K", Size(16 * mm.Kb)},
		{"2 GiB", Size(2 * mm.Gb)},
		{"512B", 512},
	}

	for _, spec := range specs {
		var got Size
		if err := got.UnmarshalText([]byte(spec.in)); err != nil {
			t.Errorf("[%s] unexpected error %v", spec.in, err)
			continue
		}
		if got != spec.exp {
			t.Errorf("[%s] expected %d; got %d", spec.in, spec.exp, got)
		}
	}
}

func TestEncodeLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Swap = append(cfg.Swap, Disk{Kind: DiskFile, Path: "/tmp/swap.img", Blocks: 64, BlockSize: 512})

	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `hhdm = "0xffffffc000000000"`) {
		t.Fatalf("expected addresses to be encoded as hex strings:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "gent.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
