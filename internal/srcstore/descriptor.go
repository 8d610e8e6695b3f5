package srcstore

import "slices"

// Descriptor is the authoritative record for one source of a target.
//
// A *Descriptor is only reachable through a Tx, so every read and write of its
// fields happens under the owning store's lock.
type Descriptor struct {
	sourceFile string
	isChanged  bool
	outputs    []string
}

// Snapshot is an immutable copy of a descriptor, safe to use without the lock.
type Snapshot struct {
	SourceFile string
	IsChanged  bool
	Outputs    []string
}

func (d *Descriptor) SourceFile() string { return d.sourceFile }

func (d *Descriptor) IsChanged() bool { return d.isChanged }

func (d *Descriptor) SetChanged(changed bool) { d.isChanged = changed }

// Outputs returns a copy of the output identifiers.
func (d *Descriptor) Outputs() []string {
	return slices.Clone(d.outputs)
}

// OutputCount returns the number of outputs without copying them.
func (d *Descriptor) OutputCount() int { return len(d.outputs) }

// HasOutput reports whether rel is registered. Outputs per source are few, a scan is fine.
func (d *Descriptor) HasOutput(rel string) bool {
	return slices.Contains(d.outputs, rel)
}

// AppendOutput adds rel unless already present and reports whether it was added.
func (d *Descriptor) AppendOutput(rel string) bool {
	if d.HasOutput(rel) {
		return false
	}
	d.outputs = append(d.outputs, rel)
	return true
}

// RemoveOutput removes rel keeping the order of the remaining outputs.
func (d *Descriptor) RemoveOutput(rel string) bool {
	i := slices.Index(d.outputs, rel)
	if i < 0 {
		return false
	}
	d.outputs = slices.Delete(d.outputs, i, i+1)
	return true
}

// ReplaceOutputs swaps the output set, dropping duplicates.
func (d *Descriptor) ReplaceOutputs(rels []string) {
	next := make([]string, 0, len(rels))
	for _, rel := range rels {
		if !slices.Contains(next, rel) {
			next = append(next, rel)
		}
	}
	d.outputs = next
}

// ClearOutputs empties the output set and returns what it held.
func (d *Descriptor) ClearOutputs() []string {
	prev := d.outputs
	d.outputs = []string{}
	return prev
}

// Snapshot copies the descriptor.
func (d *Descriptor) Snapshot() Snapshot {
	return Snapshot{
		SourceFile: d.sourceFile,
		IsChanged:  d.isChanged,
		Outputs:    d.Outputs(),
	}
}

// Entry is the result of a lookup: either Unknown or Known.
//
//	switch e := tx.Lookup(path).(type) {
//	case srcstore.Known:
//		e.SetChanged(true)
//	case srcstore.Unknown:
//		// tolerated
//	}
type Entry interface {
	entry()
}

// Unknown means the target has no descriptor for the source.
type Unknown struct {
	SourceFile string
}

// Known wraps the descriptor of a source the target knows about.
type Known struct {
	*Descriptor
}

func (Unknown) entry() {}
func (Known) entry()   {}
