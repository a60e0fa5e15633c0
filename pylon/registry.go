package pylon

import "fmt"

// Pack is the accumulated identity of one battery pack.
type Pack struct {
	Number             int // 1-based, also the pack address
	Barcode            string
	Version            string
	NumberOfCells      int
	NumberOfTemps      int
	InfoPublished      bool
	DiscoveryPublished bool
}

// Name is the pack name used in topics and discovery, e.g. "Pack1".
func (p *Pack) Name() string {
	return fmt.Sprintf("Pack%d", p.Number)
}

// ReadyForDiscovery reports whether the discovery document can be built
// and has not been published yet.
func (p *Pack) ReadyForDiscovery() bool {
	return p.InfoPublished && !p.DiscoveryPublished && p.NumberOfCells > 0 && p.NumberOfTemps > 0
}

// Registry holds the packs of the stack. Packs are created once, from the
// first decoded pack count.
type Registry struct {
	packs []*Pack
}

// Init creates count packs. Out of range counts fall back to one pack;
// later calls are ignored. It reports whether packs were created.
func (r *Registry) Init(count int) bool {
	if r.packs != nil {
		return false
	}
	if count < 1 || count > MaxPacks {
		count = 1
	}
	r.packs = make([]*Pack, count)
	for i := range r.packs {
		r.packs[i] = &Pack{Number: i + 1}
	}
	return true
}

// Len returns the number of packs, 0 before Init.
func (r *Registry) Len() int {
	return len(r.packs)
}

// At returns the pack at 0-based index i.
func (r *Registry) At(i int) *Pack {
	if i < 0 || i >= len(r.packs) {
		return nil
	}
	return r.packs[i]
}

// ByNumber returns the pack with 1-based number n.
func (r *Registry) ByNumber(n int) *Pack {
	return r.At(n - 1)
}

// Packs returns all packs in order.
func (r *Registry) Packs() []*Pack {
	return r.packs
}

func (p *Pack) SetBarcode(bc string) {
	if len(bc) > MaxBarcodeLen {
		bc = bc[:MaxBarcodeLen]
	}
	p.Barcode = bc
}

func (p *Pack) SetVersion(v string) {
	if len(v) > MaxVersionLen {
		v = v[:MaxVersionLen]
	}
	p.Version = v
}

func (p *Pack) SetCounts(cells, temps int) {
	p.NumberOfCells, p.NumberOfTemps = cells, temps
}

func (p *Pack) SetInfoPublished() {
	p.InfoPublished = true
}

func (p *Pack) MarkDiscoveryPublished() {
	p.DiscoveryPublished = true
}
