// Package subvolset holds a collection of related subvolumes, replays
// send-streams into it and resolves clones whose source lives in another
// subvolume of the set.
package subvolset

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/fsmodel"
	"btrfsdiff/internal/sendstream"
)

// pendingClone is a placeholder extent installed in holder, waiting for
// the subvolume it clones from.
type pendingClone struct {
	holder *fsmodel.Subvolume
	extent *fsmodel.Extent
}

// Set owns every subvolume received into it. All shared state is guarded
// by one mutex; a subvolume under construction is touched only by its own
// receiver until it completes.
type Set struct {
	mu      sync.Mutex
	byUUID  map[uuid.UUID]*fsmodel.Subvolume
	byName  map[string]*fsmodel.Subvolume
	pending map[uuid.UUID][]pendingClone
	failed  map[*fsmodel.Extent]error
}

// New returns an empty set.
func New() *Set {
	return &Set{
		byUUID:  make(map[uuid.UUID]*fsmodel.Subvolume),
		byName:  make(map[string]*fsmodel.Subvolume),
		pending: make(map[uuid.UUID][]pendingClone),
		failed:  make(map[*fsmodel.Extent]error),
	}
}

// Get returns the subvolume with the given UUID.
func (s *Set) Get(id uuid.UUID) (*fsmodel.Subvolume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.byUUID[id]
	return sv, ok
}

// ByName returns the subvolume whose stream created it under name.
func (s *Set) ByName(name string) (*fsmodel.Subvolume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.byName[name]
	return sv, ok
}

// Len returns the number of subvolumes.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUUID)
}

// Subvolumes returns every subvolume, parents before their snapshots and
// otherwise ordered by name.
func (s *Set) Subvolumes() []*fsmodel.Subvolume {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := make(map[*fsmodel.Subvolume]int, len(s.byUUID))
	out := make([]*fsmodel.Subvolume, 0, len(s.byUUID))
	for _, sv := range s.byUUID {
		d := 0
		for p, ok := s.byUUID[sv.ParentUUID]; ok && d <= len(s.byUUID); p, ok = s.byUUID[p.ParentUUID] {
			d++
		}
		depth[sv] = d
		out = append(out, sv)
	}
	slices.SortFunc(out, func(a, b *fsmodel.Subvolume) int {
		return cmp.Or(cmp.Compare(depth[a], depth[b]), strings.Compare(a.Name, b.Name))
	})
	return out
}

// Unresolved reports the clone placeholders of sv that are still waiting
// for a source. It returns nil when every clone is resolved.
func (s *Set) Unresolved(sv *fsmodel.Subvolume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := sv.Pending()
	if len(pending) == 0 {
		return nil
	}
	descs := make([]string, 0, len(pending))
	for _, e := range pending {
		d := fmt.Sprintf("%s:%q+%d", e.Source.Subvol, e.Source.Path, e.Source.Offset)
		if err, ok := s.failed[e]; ok {
			d += " (" + err.Error() + ")"
		}
		descs = append(descs, d)
	}
	return fmt.Errorf("%w: subvolume %q has %d pending clones from %s",
		common.ErrUnresolvedClone, sv.Name, len(pending), strings.Join(descs, ", "))
}

func (s *Set) addLocked(sv *fsmodel.Subvolume) error {
	if _, ok := s.byUUID[sv.UUID]; ok {
		return fmt.Errorf("%w: %w: subvolume uuid %s", common.ErrInvalidOperation, common.ErrExists, sv.UUID)
	}
	if _, ok := s.byName[sv.Name]; ok {
		return fmt.Errorf("%w: %w: subvolume name %q", common.ErrInvalidOperation, common.ErrExists, sv.Name)
	}
	s.byUUID[sv.UUID] = sv
	s.byName[sv.Name] = sv
	return nil
}

func (s *Set) create(op sendstream.Subvol) (*fsmodel.Subvolume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv := fsmodel.New(op.Path, op.UUID, op.CTransID)
	if err := s.addLocked(sv); err != nil {
		return nil, err
	}
	log.Debugf("[Receive] new subvolume %q uuid=%s", sv.Name, sv.UUID)
	return sv, nil
}

func (s *Set) snapshot(op sendstream.Snapshot) (*fsmodel.Subvolume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.byUUID[op.ParentUUID]
	if !ok {
		return nil, fmt.Errorf("%w: %w: snapshot parent %s", common.ErrInvalidOperation, common.ErrNotFound, op.ParentUUID)
	}
	if parent.State() == fsmodel.Building {
		return nil, fmt.Errorf("%w: snapshot parent %q is still building", common.ErrInvalidOperation, parent.Name)
	}
	sv, err := fsmodel.Snapshot(parent, op.Path, op.UUID, op.CTransID)
	if err != nil {
		return nil, err
	}
	if err := s.addLocked(sv); err != nil {
		return nil, err
	}
	// The snapshot inherits the parent's unresolved placeholders.
	for _, e := range sv.Pending() {
		s.pending[e.Source.Subvol] = append(s.pending[e.Source.Subvol], pendingClone{holder: sv, extent: e})
	}
	log.Debugf("[Receive] new snapshot %q uuid=%s of %q", sv.Name, sv.UUID, parent.Name)
	return sv, nil
}

// clone applies a CLONE command to dst, deferring it when the source is
// not available yet.
func (s *Set) clone(dst *fsmodel.Subvolume, op sendstream.Clone) error {
	if op.SourceUUID == dst.UUID {
		return dst.Clone(op.Path, op.Offset, op.Length, dst, op.SourcePath, op.SourceOffset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byUUID[op.SourceUUID]
	if ok && src.State() != fsmodel.Building {
		from, err := src.Lookup(op.SourcePath)
		if err != nil {
			return err
		}
		if !from.IsFile() || !from.Data.HasPending(op.SourceOffset, op.Length) {
			return dst.Clone(op.Path, op.Offset, op.Length, src, op.SourcePath, op.SourceOffset)
		}
	}

	e, err := dst.ClonePending(op.Path, op.Offset, op.Length, fsmodel.CloneSource{
		Subvol:   op.SourceUUID,
		CTransID: op.SourceCTransID,
		Path:     op.SourcePath,
		Offset:   op.SourceOffset,
	})
	if err != nil {
		return err
	}
	s.pending[op.SourceUUID] = append(s.pending[op.SourceUUID], pendingClone{holder: dst, extent: e})
	log.Debugf("[Clone] deferred %q+%d from %s:%q+%d", op.Path, op.Offset, op.SourceUUID, op.SourcePath, op.SourceOffset)
	return nil
}

// complete finishes sv and resolves every placeholder that became
// resolvable.
func (s *Set) complete(sv *fsmodel.Subvolume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sv.Finish(); err != nil {
		return err
	}
	log.Debugf("[Receive] subvolume %q complete", sv.Name)
	s.drainLocked()
	return nil
}

// drainLocked resolves placeholders whose holder and source have both
// finished. Resolving one clone can unblock another that reads through
// it, so passes repeat until nothing changes.
func (s *Set) drainLocked() {
	for {
		progress := false
		for src, list := range s.pending {
			source, ok := s.byUUID[src]
			if !ok || source.State() == fsmodel.Building {
				continue
			}
			kept := list[:0]
			for _, pc := range list {
				if pc.holder.State() == fsmodel.Building {
					kept = append(kept, pc)
					continue
				}
				done, err := pc.holder.ResolvePending(pc.extent, source)
				if err != nil {
					// The placeholder stays and freezing its holder fails.
					log.Warnf("[Clone] cannot resolve clone in %q from %q: %v", pc.holder.Name, source.Name, err)
					s.failed[pc.extent] = err
					progress = true
					continue
				}
				if !done {
					kept = append(kept, pc)
					continue
				}
				log.Debugf("[Clone] resolved %q clone from %q:%q", pc.holder.Name, source.Name, pc.extent.Source.Path)
				progress = true
			}
			if len(kept) == 0 {
				delete(s.pending, src)
			} else {
				s.pending[src] = kept
			}
		}
		if !progress {
			return
		}
	}
}
