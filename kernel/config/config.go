// Package config loads the machine and kernel configuration of the simulator
// from TOML files.
package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"gent/kernel"
	"gent/kernel/mm"
	"gent/kernel/mm/vmm"
)

var (
	// ErrInvalid is wrapped by every validation error.
	ErrInvalid = &kernel.Error{Module: "config", Message: "invalid configuration", Kind: kernel.KindMisuse}

	// ErrUnknownKey is returned when a file contains keys that do not map
	// onto a configuration field.
	ErrUnknownKey = &kernel.Error{Module: "config", Message: "unknown configuration key", Kind: kernel.KindMisuse}
)

// Disk kinds.
const (
	DiskRAM  = "ramdisk"
	DiskFile = "file"
)

// Thread programs understood by the boot code.
const (
	ProgramCounter = "counter"
	ProgramPattern = "pattern"
	ProgramFloat   = "float"
	ProgramExit    = "exit"
)

// MinUserBase keeps user stacks clear of the user program text.
const MinUserBase = 0x100_0000

// Addr is an address written as a hex string, e.g. "0xffff_ffc0_0000_0000".
// Kernel addresses do not fit in a TOML integer.
type Addr uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	if err != nil {
		return fmt.Errorf("address %q: %w", text, err)
	}
	*a = Addr(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(a))), nil
}

// Size is a byte count written with an optional binary suffix, e.g. "64MiB".
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"GiB", uint64(mm.Gb)},
	{"MiB", uint64(mm.Mb)},
	{"KiB", uint64(mm.Kb)},
	{"G", uint64(mm.Gb)},
	{"M", uint64(mm.Mb)},
	{"K", uint64(mm.Kb)},
	{"B", 1},
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	mult := uint64(1)
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(str, suf.suffix) {
			str, mult = strings.TrimSpace(strings.TrimSuffix(str, suf.suffix)), suf.mult
			break
		}
	}

	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return fmt.Errorf("size %q: %w", text, err)
	}
	*s = Size(v * mult)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(mm.Size(s).String()), nil
}

// Memory describes physical RAM and the kernel virtual layout.
type Memory struct {
	Base Addr `toml:"base"`
	Size Size `toml:"size"`

	// HHDM is the offset of the higher-half direct map.
	HHDM Addr `toml:"hhdm"`

	// VirtBase and VirtSize delimit the kernel virtual arena that kernel
	// stacks are carved from.
	VirtBase Addr `toml:"virt_base"`
	VirtSize Size `toml:"virt_size"`

	// UserBase and UserSize delimit the stack range of user processes.
	UserBase Addr `toml:"user_base"`
	UserSize Size `toml:"user_size"`

	// TextBase is where kernel programs are loaded.
	TextBase Addr `toml:"text_base"`
}

// Disk describes a swap disk.
type Disk struct {
	Kind      string `toml:"kind"`
	Path      string `toml:"path,omitempty"`
	Blocks    uint64 `toml:"blocks"`
	BlockSize uint64 `toml:"block_size"`
}

// Thread describes a demo thread spawned at boot.
type Thread struct {
	Name     string `toml:"name"`
	Program  string `toml:"program"`
	Priority int8   `toml:"priority"`
	User     bool   `toml:"user,omitempty"`
}

// Config is the complete simulator configuration.
type Config struct {
	Paging   string `toml:"paging"`
	Harts    int    `toml:"harts"`
	TimerHz  uint64 `toml:"timer_hz"`
	LogLevel string `toml:"log_level"`

	Memory  Memory   `toml:"memory"`
	Swap    []Disk   `toml:"swap"`
	Threads []Thread `toml:"thread"`
}

// Default returns the built-in configuration: a two hart Sv39 machine with
// 64MiB of RAM, one ramdisk for swap and two demo threads.
func Default() *Config {
	return &Config{
		Paging:   "sv39",
		Harts:    2,
		TimerHz:  10_000_000,
		LogLevel: "info",
		Memory: Memory{
			Base:     0x8000_0000,
			Size:     Size(64 * mm.Mb),
			HHDM:     0xffff_ffc0_0000_0000,
			VirtBase: 0xffff_ffd0_0000_0000,
			VirtSize: Size(mm.Gb),
			UserBase: 0x10_0000_0000,
			UserSize: Size(64 * mm.Gb),
			TextBase: 0xffff_ffff_8000_0000,
		},
		Swap: []Disk{
			{Kind: DiskRAM, Blocks: 256, BlockSize: 1024},
		},
		Threads: []Thread{
			{Name: "low", Program: ProgramCounter, Priority: 1},
			{Name: "high", Program: ProgramCounter, Priority: 10},
		},
	}
}

// Load reads the TOML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := withoutLists(Default())
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, finish(cfg, md)
}

// Parse decodes TOML text on top of the defaults.
func Parse(data string) (*Config, error) {
	cfg := withoutLists(Default())
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, finish(cfg, md)
}

// withoutLists clears the array tables so that a file listing disks or
// threads replaces the defaults instead of being merged into them.
func withoutLists(cfg *Config) *Config {
	cfg.Swap, cfg.Threads = nil, nil
	return cfg
}

func finish(cfg *Config, md toml.MetaData) error {
	def := Default()
	if !md.IsDefined("swap") {
		cfg.Swap = def.Swap
	}
	if !md.IsDefined("thread") {
		cfg.Threads = def.Threads
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	return cfg.Validate()
}

// Encode writes cfg as TOML.
func (cfg *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// PagingMode returns the configured paging mode.
func (cfg *Config) PagingMode() (vmm.Mode, error) {
	return vmm.ModeFromName(cfg.Paging)
}

// Level returns the configured log level.
func (cfg *Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(cfg.LogLevel)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...)
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	mode, err := cfg.PagingMode()
	if err != nil {
		return invalid("paging: %v", err)
	}
	if mode == vmm.Bare {
		return invalid("paging: bare mode cannot host the kernel")
	}
	if _, err = cfg.Level(); err != nil {
		return invalid("log_level: %v", err)
	}
	if cfg.Harts <= 0 {
		return invalid("harts must be positive, got %d", cfg.Harts)
	}
	if cfg.TimerHz < 1000 {
		return invalid("timer_hz must be at least 1000, got %d", cfg.TimerHz)
	}

	mem := cfg.Memory
	for _, f := range []struct {
		name string
		v    uint64
	}{
		{"memory.base", uint64(mem.Base)},
		{"memory.size", uint64(mem.Size)},
		{"memory.virt_base", uint64(mem.VirtBase)},
		{"memory.virt_size", uint64(mem.VirtSize)},
		{"memory.user_base", uint64(mem.UserBase)},
		{"memory.user_size", uint64(mem.UserSize)},
		{"memory.text_base", uint64(mem.TextBase)},
	} {
		if f.v%uint64(mm.FrameSize) != 0 {
			return invalid("%s 0x%x is not page aligned", f.name, f.v)
		}
	}
	if mem.Size == 0 || mem.VirtSize == 0 || mem.UserSize == 0 {
		return invalid("memory sizes must be non-zero")
	}

	for _, f := range []struct {
		name string
		base uint64
		size uint64
	}{
		{"memory.virt", uint64(mem.VirtBase), uint64(mem.VirtSize)},
		{"memory.text", uint64(mem.TextBase), uint64(mm.FrameSize)},
		{"memory.hhdm", uint64(mem.HHDM), uint64(mem.Size)},
	} {
		if !mode.IsCanonical(mm.VirtAddr(f.base)) || !mode.IsCanonical(mm.VirtAddr(f.base+f.size-1)) {
			return invalid("%s range 0x%x+0x%x is not canonical in %s", f.name, f.base, f.size, mode)
		}
		if !mm.VirtAddr(f.base).IsKernel() {
			return invalid("%s range 0x%x must be in the higher half", f.name, f.base)
		}
	}

	if mem.UserBase < MinUserBase {
		return invalid("memory.user_base must be at least 0x%x", MinUserBase)
	}
	userEnd := uint64(mem.UserBase) + uint64(mem.UserSize) - 1
	if !mode.IsCanonical(mm.VirtAddr(userEnd)) || mm.VirtAddr(userEnd).IsKernel() {
		return invalid("memory.user range 0x%x+0x%x must be in the lower half", uint64(mem.UserBase), uint64(mem.UserSize))
	}

	for i, d := range cfg.Swap {
		switch d.Kind {
		case DiskRAM:
		case DiskFile:
			if d.Path == "" {
				return invalid("swap[%d]: file disks need a path", i)
			}
		default:
			return invalid("swap[%d]: unknown disk kind %q", i, d.Kind)
		}
		if d.Blocks == 0 || d.BlockSize == 0 || uint64(mm.FrameSize)%d.BlockSize != 0 {
			return invalid("swap[%d]: block size must divide the page size and blocks must be non-zero", i)
		}
	}

	for i, th := range cfg.Threads {
		switch th.Program {
		case ProgramCounter, ProgramPattern, ProgramFloat, ProgramExit:
		default:
			return invalid("thread[%d] %q: unknown program %q", i, th.Name, th.Program)
		}
	}
	return nil
}
