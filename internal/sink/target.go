// Package sink writes decoded plaintext either to a durable file or, when no
// usable directory exists, to memory that is saved on finalize.
package sink

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/diskspace"
)

// Kind is the sink variant.
type Kind int

const (
	Memory Kind = iota
	Durable
)

func (k Kind) String() string {
	if k == Durable {
		return "durable"
	}
	return "memory"
}

// SettingRememberedDir is the settings key of the last durable directory.
const SettingRememberedDir = "sink.dir"

// Target is where a task's output goes.
type Target struct {
	Kind   Kind
	Dir    string
	Name   string
	Reason string // why a Memory target was chosen
}

// Path returns the final output path of a durable target.
func (t Target) Path() string {
	return filepath.Join(t.Dir, t.Name)
}

// Settings is the slice of the resume store used to remember a directory.
type Settings interface {
	GetSetting(name string) (string, error)
	PutSetting(name, value string) error
}

// Prober validates candidate directories.
type Prober struct {
	Fs afero.Fs
	// CheckSpace returns an error when path cannot hold required bytes.
	CheckSpace func(path string, required int64) error
}

// NewProber returns a prober over fs. Disk space is checked only on the OS
// filesystem.
func NewProber(fs afero.Fs) *Prober {
	p := &Prober{Fs: fs}
	if _, ok := fs.(*afero.OsFs); ok {
		p.CheckSpace = func(path string, required int64) error {
			return diskspace.CheckAvailableSpace(path, required, constants.DiskSpaceSafetyMargin)
		}
	}
	return p
}

// Probe returns a Durable target when dir exists, accepts a probe file and has
// room for size bytes; otherwise a Memory target carrying the reason.
func (p *Prober) Probe(dir, name string, size int64) Target {
	t := Target{Kind: Memory, Dir: dir, Name: name}
	if dir == "" {
		t.Reason = "no output directory"
		return t
	}

	info, err := p.Fs.Stat(dir)
	if err != nil {
		t.Reason = fmt.Sprintf("output directory unavailable: %v", err)
		return t
	}
	if !info.IsDir() {
		t.Reason = fmt.Sprintf("%s is not a directory", dir)
		return t
	}

	probe := filepath.Join(dir, ".rescale-fetch-probe-"+uuid.NewString())
	f, err := p.Fs.Create(probe)
	if err != nil {
		t.Reason = fmt.Sprintf("output directory not writable: %v", err)
		return t
	}
	_ = f.Close()
	if err := p.Fs.Remove(probe); err != nil {
		t.Reason = fmt.Sprintf("output directory probe cleanup failed: %v", err)
		return t
	}

	if p.CheckSpace != nil {
		if err := p.CheckSpace(filepath.Join(dir, name), size); err != nil {
			t.Reason = err.Error()
			return t
		}
	}

	t.Kind = Durable
	return t
}

// ResolveTarget picks the output location: the requested directory when it
// validates, else the remembered one when it still validates, else memory.
// A durable choice is remembered for next time.
func (p *Prober) ResolveTarget(settings Settings, requestedDir, name string, size int64) Target {
	var t Target
	if requestedDir != "" {
		t = p.Probe(requestedDir, name, size)
	}
	if t.Kind != Durable && settings != nil {
		if remembered, err := settings.GetSetting(SettingRememberedDir); err == nil && remembered != "" && remembered != requestedDir {
			if r := p.Probe(remembered, name, size); r.Kind == Durable {
				t = r
			}
		}
	}
	if t.Kind != Durable {
		if t.Reason == "" {
			t = p.Probe("", name, size)
		}
		return t
	}
	if settings != nil {
		_ = settings.PutSetting(SettingRememberedDir, t.Dir)
	}
	return t
}
