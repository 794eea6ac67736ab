package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"gopkg.in/yaml.v3"
)

// Fields that HideFields may name.
const (
	FieldUUID     = "uuid"
	FieldCTransID = "ctransid"
	FieldMode     = "mode"
	FieldOwner    = "owner"
	FieldRdev     = "rdev"
	FieldFlags    = "flags"
	FieldXattrs   = "xattrs"
	FieldDigest   = "digest"
	FieldAtime    = "atime"
	FieldMtime    = "mtime"
	FieldCtime    = "ctime"
	FieldOtime    = "otime"
)

var knownFields = []string{
	FieldUUID, FieldCTransID, FieldMode, FieldOwner, FieldRdev, FieldFlags,
	FieldXattrs, FieldDigest, FieldAtime, FieldMtime, FieldCtime, FieldOtime,
}

// TimePlaceholder replaces timestamps that fall inside the time window.
const TimePlaceholder = "*"

// TimeWindow bounds the build. Timestamps inside it, inclusive, render as
// TimePlaceholder.
type TimeWindow struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Contains reports whether t falls inside the window.
func (w *TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Rules say which metadata is boring.
type Rules struct {
	TimeWindow *TimeWindow `yaml:"time_window,omitempty"`
	// HideFields are omitted from the output entirely.
	HideFields []string `yaml:"hide_fields,omitempty"`
	// IgnorePaths are gitignore patterns; matching entries are not
	// rendered.
	IgnorePaths []string `yaml:"ignore_paths,omitempty"`
	// ShowOrphans renders unreachable inodes kept as clone sources.
	ShowOrphans bool `yaml:"show_orphans,omitempty"`
}

// ParseRules reads rules from YAML. Unknown keys are an error.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return Rules{}, fmt.Errorf("failed to parse render rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// Validate checks field names and the time window.
func (r Rules) Validate() error {
	for _, f := range r.HideFields {
		if !slices.Contains(knownFields, f) {
			return fmt.Errorf("unknown field %q in hide_fields", f)
		}
	}
	if w := r.TimeWindow; w != nil && w.End.Before(w.Start) {
		return fmt.Errorf("time window ends (%s) before it starts (%s)", w.End, w.Start)
	}
	return nil
}

// compiled is the form of Rules the renderer consults.
type compiled struct {
	window  *TimeWindow
	hidden  map[string]bool
	ignore  *ignore.GitIgnore
	orphans bool
}

func (r Rules) compile() (*compiled, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c := &compiled{window: r.TimeWindow, hidden: make(map[string]bool), orphans: r.ShowOrphans}
	for _, f := range r.HideFields {
		c.hidden[f] = true
	}
	if len(r.IgnorePaths) > 0 {
		c.ignore = ignore.CompileIgnoreLines(r.IgnorePaths...)
	}
	return c, nil
}

func (c *compiled) ignored(p string, isDir bool) bool {
	if c.ignore == nil {
		return false
	}
	if isDir {
		p += "/"
	}
	return c.ignore.MatchesPath(p)
}

func (c *compiled) time(t time.Time) string {
	if c.window != nil && c.window.Contains(t) {
		return TimePlaceholder
	}
	return t.UTC().Format(time.RFC3339Nano)
}
