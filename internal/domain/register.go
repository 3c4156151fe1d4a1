// Package domain contains the register map, snapshot and command types shared by the
// polling and write paths. Nothing here performs I/O.
package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxRegistersPerRead is the Modbus limit for one FC03 request.
const MaxRegistersPerRead = 125

// MaxScheduleSlots is the number of time slots a schedule mask can address.
const MaxScheduleSlots = 7

// Tier is one of the independent polling cadences.
type Tier string

const (
	TierSlow      Tier = "slow"
	TierFast      Tier = "fast"
	TierUltraFast Tier = "ultra_fast"
)

// Tiers lists every tier, slowest first.
var Tiers = []Tier{TierSlow, TierFast, TierUltraFast}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierSlow, TierFast, TierUltraFast:
		return true
	}
	return false
}

// MinInterval is the shortest poll interval accepted for the tier.
func (t Tier) MinInterval() time.Duration {
	if t == TierUltraFast {
		return 100 * time.Millisecond
	}
	return time.Second
}

// FieldType selects how a decode instruction interprets its words.
type FieldType string

const (
	TypeUint16 FieldType = "uint16"
	TypeInt16  FieldType = "int16"
	TypeUint32 FieldType = "uint32"
	TypeInt32  FieldType = "int32"
	TypeString FieldType = "string"
	TypeSkip   FieldType = "skip"
)

// DecodeInstruction describes one output field of a register block, or a run of words
// to skip.
type DecodeInstruction struct {
	// Name is the snapshot field name. Empty for skip markers.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is the word layout of the field.
	Type FieldType `json:"type" yaml:"type"`

	// Scale multiplies the integer value. Zero means 1.
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Words is the width of string fields and skip markers.
	Words uint16 `json:"words,omitempty" yaml:"words,omitempty"`

	// Unit is informational only
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`

	// Enum maps raw values to labels. A raw value missing from the map is a decode error.
	Enum map[int64]string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Skip returns a marker that consumes n words without producing a field.
func Skip(n uint16) DecodeInstruction {
	return DecodeInstruction{Type: TypeSkip, Words: n}
}

// Width returns the number of registers the instruction consumes.
func (d DecodeInstruction) Width() uint16 {
	switch d.Type {
	case TypeUint16, TypeInt16:
		return 1
	case TypeUint32, TypeInt32:
		return 2
	case TypeString, TypeSkip:
		return d.Words
	}
	return 0
}

// IsSkip reports whether the instruction only advances the cursor.
func (d DecodeInstruction) IsSkip() bool {
	return d.Type == TypeSkip
}

// ScaleFactor returns the effective scale, treating zero as 1.
func (d DecodeInstruction) ScaleFactor() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// Validate checks a single instruction in isolation.
func (d DecodeInstruction) Validate() error {
	switch d.Type {
	case TypeUint16, TypeInt16, TypeUint32, TypeInt32:
	case TypeString, TypeSkip:
		if d.Words == 0 {
			return fmt.Errorf("%s instruction %q needs words > 0", d.Type, d.Name)
		}
	default:
		return fmt.Errorf("unknown field type %q for %q", d.Type, d.Name)
	}
	if !d.IsSkip() && strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%s instruction needs a name", d.Type)
	}
	if d.Scale < 0 {
		return fmt.Errorf("field %q: scale must not be negative", d.Name)
	}
	return nil
}

// RegisterBlock is a contiguous run of holding registers read in one call.
type RegisterBlock struct {
	// Name identifies the block in logs and poll errors
	Name string `json:"name" yaml:"name"`

	// Start is the first register address
	Start uint16 `json:"start" yaml:"start"`

	// Count is the number of registers read
	Count uint16 `json:"count" yaml:"count"`

	// Tier is the cadence the block is polled at
	Tier Tier `json:"tier" yaml:"tier"`

	// Fields are decoded in order; their widths must add up to Count
	Fields []DecodeInstruction `json:"fields" yaml:"fields"`
}

// Validate checks the block invariants.
func (b *RegisterBlock) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidBlock)
	}
	if b.Count == 0 {
		return fmt.Errorf("%w: %s: count must be > 0", ErrInvalidBlock, b.Name)
	}
	if b.Count > MaxRegistersPerRead {
		return fmt.Errorf("%w: %s: count %d exceeds %d", ErrInvalidBlock, b.Name, b.Count, MaxRegistersPerRead)
	}
	if int(b.Start)+int(b.Count) > math.MaxUint16+1 {
		return fmt.Errorf("%w: %s: block runs past address 0xFFFF", ErrInvalidBlock, b.Name)
	}
	if !b.Tier.Valid() {
		return fmt.Errorf("%w: %s: %q", ErrInvalidTier, b.Name, b.Tier)
	}
	var words int
	for _, f := range b.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidBlock, b.Name, err)
		}
		words += int(f.Width())
	}
	if words != int(b.Count) {
		return fmt.Errorf("%w: %s: instructions consume %d words, count is %d", ErrInvalidBlock, b.Name, words, b.Count)
	}
	return nil
}

// FieldNames returns the names of the non-skip fields in order.
func (b *RegisterBlock) FieldNames() []string {
	names := make([]string, 0, len(b.Fields))
	for _, f := range b.Fields {
		if !f.IsSkip() {
			names = append(names, f.Name)
		}
	}
	return names
}

// BitmaskRegister is a register whose bits carry independent meaning. It may only be
// changed through read-modify-write.
type BitmaskRegister struct {
	Name    string `json:"name" yaml:"name"`
	Address uint16 `json:"address" yaml:"address"`

	// Field is the snapshot field holding the raw mask, if the mask is also polled
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// StatusBits names bits that do not belong to a schedule slot
	StatusBits map[string]uint8 `json:"status_bits,omitempty" yaml:"status_bits,omitempty"`
}

// WritableRegister is a single holding register that may be written directly.
type WritableRegister struct {
	Field   string  `json:"field" yaml:"field"`
	Address uint16  `json:"address" yaml:"address"`
	Scale   float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Signed  bool    `json:"signed,omitempty" yaml:"signed,omitempty"`
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
}

// Encode converts an engineering value into the raw register word.
func (w *WritableRegister) Encode(value float64) (uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, Validationf("%s: value is not a number", w.Field)
	}
	if value < w.Min || value > w.Max {
		return 0, Validationf("%s: %v outside [%v, %v]", w.Field, value, w.Min, w.Max)
	}
	return encodeWord(w.Field, value, w.Scale, w.Signed)
}

// Value converts a raw word back into the form the decoder would produce.
func (w *WritableRegister) Value(raw uint16) interface{} {
	typ := TypeUint16
	if w.Signed {
		typ = TypeInt16
	}
	v, _ := decodeField([]uint16{raw}, DecodeInstruction{Name: w.Field, Type: typ, Scale: w.Scale})
	return v
}

// EncodeStep converts a composite step value into its raw word.
func EncodeStep(name string, value, scale float64, signed bool) (uint16, error) {
	return encodeWord(name, value, scale, signed)
}

func encodeWord(name string, value, scale float64, signed bool) (uint16, error) {
	if scale == 0 {
		scale = 1
	}
	raw := math.Round(value / scale)
	if signed {
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return 0, Validationf("%s: %v does not fit a signed register", name, value)
		}
		return uint16(int16(raw)), nil
	}
	if raw < 0 || raw > math.MaxUint16 {
		return 0, Validationf("%s: %v does not fit an unsigned register", name, value)
	}
	return uint16(raw), nil
}

// ScheduleSlot locates the three consecutive registers of one time slot:
// start time, end time, and day mask / power.
type ScheduleSlot struct {
	Index   int    `json:"index" yaml:"index"`
	Address uint16 `json:"address" yaml:"address"`
}

// Schedule is a set of time slots whose enable bits share one bitmask register.
// Slot N always maps to bit N-1.
type Schedule struct {
	Name        string         `json:"name" yaml:"name"`
	MaskAddress uint16         `json:"mask_address" yaml:"mask_address"`
	MaxPower    int            `json:"max_power,omitempty" yaml:"max_power,omitempty"`
	Slots       []ScheduleSlot `json:"slots" yaml:"slots"`
}

// Slot returns the slot with the given 1-based index.
func (s *Schedule) Slot(index int) (ScheduleSlot, bool) {
	for _, sl := range s.Slots {
		if sl.Index == index {
			return sl, true
		}
	}
	return ScheduleSlot{}, false
}

// SlotBit returns the enable bit for a slot.
func SlotBit(index int) uint16 {
	return 1 << uint(index-1)
}

// StepAction is one operation in a composite setting.
type StepAction string

const (
	StepWrite StepAction = "write"
	StepBit   StepAction = "bit"
)

// CompositeStep is executed in order as part of a CompositeSetting.
type CompositeStep struct {
	Action  StepAction `json:"action" yaml:"action"`
	Address uint16     `json:"address" yaml:"address"`

	// Bit is used by bit steps; the bit is set when the setting value is non-zero
	Bit uint8 `json:"bit,omitempty" yaml:"bit,omitempty"`

	// Scale converts the setting value for write steps
	Scale  float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Signed bool    `json:"signed,omitempty" yaml:"signed,omitempty"`

	// Value overrides the setting value for this step
	Value *float64 `json:"value,omitempty" yaml:"value,omitempty"`

	// Field is updated in the snapshot after the step succeeds
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
}

// CompositeSetting is a named setting that needs several register operations.
type CompositeSetting struct {
	Name  string          `json:"name" yaml:"name"`
	Min   float64         `json:"min" yaml:"min"`
	Max   float64         `json:"max" yaml:"max"`
	Field string          `json:"field,omitempty" yaml:"field,omitempty"`
	Steps []CompositeStep `json:"steps" yaml:"steps"`
}

// RegisterMap is the static, validated description of the device.
type RegisterMap struct {
	Blocks    []RegisterBlock    `json:"blocks" yaml:"blocks"`
	Bitmasks  []BitmaskRegister  `json:"bitmasks" yaml:"bitmasks"`
	Writable  []WritableRegister `json:"writable" yaml:"writable"`
	Schedules []Schedule         `json:"schedules" yaml:"schedules"`
	Settings  []CompositeSetting `json:"settings" yaml:"settings"`
}

// Validate checks the whole map and returns every problem found.
func (m *RegisterMap) Validate() error {
	var errs []error

	owner := make(map[string]string)
	for i := range m.Blocks {
		b := &m.Blocks[i]
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, name := range b.FieldNames() {
			if other, ok := owner[name]; ok {
				errs = append(errs, fmt.Errorf("%w: %q in blocks %s and %s", ErrDuplicateField, name, other, b.Name))
				continue
			}
			owner[name] = b.Name
		}
	}

	masks := make(map[uint16]bool)
	for _, bm := range m.Bitmasks {
		if bm.Name == "" {
			errs = append(errs, fmt.Errorf("bitmask at %d needs a name", bm.Address))
		}
		if masks[bm.Address] {
			errs = append(errs, fmt.Errorf("bitmask address %d declared twice", bm.Address))
		}
		masks[bm.Address] = true
		for name, bit := range bm.StatusBits {
			if bit > 15 {
				errs = append(errs, fmt.Errorf("bitmask %s: status bit %s=%d out of range", bm.Name, name, bit))
			}
		}
	}

	for _, w := range m.Writable {
		if w.Field == "" {
			errs = append(errs, fmt.Errorf("writable register at %d needs a field", w.Address))
		}
		if masks[w.Address] {
			errs = append(errs, fmt.Errorf("writable register %s targets bitmask address %d", w.Field, w.Address))
		}
		if w.Min > w.Max {
			errs = append(errs, fmt.Errorf("writable register %s: min > max", w.Field))
		}
	}

	for _, s := range m.Schedules {
		if !masks[s.MaskAddress] {
			errs = append(errs, fmt.Errorf("schedule %s: mask address %d is not a declared bitmask", s.Name, s.MaskAddress))
		}
		seen := make(map[int]bool)
		for _, sl := range s.Slots {
			if sl.Index < 1 || sl.Index > MaxScheduleSlots {
				errs = append(errs, fmt.Errorf("%w: schedule %s slot %d", ErrInvalidSlot, s.Name, sl.Index))
			}
			if seen[sl.Index] {
				errs = append(errs, fmt.Errorf("%w: schedule %s slot %d declared twice", ErrInvalidSlot, s.Name, sl.Index))
			}
			seen[sl.Index] = true
			// Slot registers occupy three consecutive addresses.
			first := int(sl.Address)
			if first+3 > 0x10000 {
				errs = append(errs, fmt.Errorf("%w: schedule %s slot %d at %d runs past the register space", ErrInvalidSlot, s.Name, sl.Index, sl.Address))
			}
			for a := first; a < first+3 && a <= 0xFFFF; a++ {
				if masks[uint16(a)] {
					errs = append(errs, fmt.Errorf("%w: schedule %s slot %d overlaps bitmask %d", ErrInvalidSlot, s.Name, sl.Index, a))
				}
			}
		}
	}

	for _, c := range m.Settings {
		if c.Name == "" {
			errs = append(errs, errors.New("composite setting needs a name"))
		}
		if len(c.Steps) == 0 {
			errs = append(errs, fmt.Errorf("setting %s has no steps", c.Name))
		}
		for i, st := range c.Steps {
			switch st.Action {
			case StepWrite:
				if masks[st.Address] {
					errs = append(errs, fmt.Errorf("setting %s step %d writes bitmask %d directly", c.Name, i, st.Address))
				}
			case StepBit:
				if !masks[st.Address] {
					errs = append(errs, fmt.Errorf("setting %s step %d: bit step needs a declared bitmask", c.Name, i))
				}
				if st.Bit > 15 {
					errs = append(errs, fmt.Errorf("setting %s step %d: bit %d out of range", c.Name, i, st.Bit))
				}
			default:
				errs = append(errs, fmt.Errorf("setting %s step %d: unknown action %q", c.Name, i, st.Action))
			}
		}
	}

	return errors.Join(errs...)
}

// BlocksFor returns the blocks polled by tier.
func (m *RegisterMap) BlocksFor(tier Tier) []RegisterBlock {
	var out []RegisterBlock
	for _, b := range m.Blocks {
		if b.Tier == tier {
			out = append(out, b)
		}
	}
	return out
}

// DecodeWrite decodes the polled fields that lie entirely inside a write of words at
// address. It lets a successful write update the snapshot before the next poll.
func (m *RegisterMap) DecodeWrite(address uint16, words []uint16) map[string]interface{} {
	out := make(map[string]interface{})
	end := int(address) + len(words)

	for _, b := range m.Blocks {
		if int(b.Start) >= end || int(b.Start)+int(b.Count) <= int(address) {
			continue
		}
		cursor := int(b.Start)
		for _, f := range b.Fields {
			width := int(f.Width())
			if !f.IsSkip() && cursor >= int(address) && cursor+width <= end {
				off := cursor - int(address)
				if v, err := decodeField(words[off:off+width], f); err == nil {
					out[f.Name] = v
				}
			}
			cursor += width
		}
	}
	return out
}

// IsBitmask reports whether address is a shared bitmask register.
func (m *RegisterMap) IsBitmask(address uint16) bool {
	_, ok := m.Bitmask(address)
	return ok
}

// Bitmask returns the bitmask register at address.
func (m *RegisterMap) Bitmask(address uint16) (BitmaskRegister, bool) {
	for _, bm := range m.Bitmasks {
		if bm.Address == address {
			return bm, true
		}
	}
	return BitmaskRegister{}, false
}

// WritableByField returns the writable register that backs a snapshot field.
func (m *RegisterMap) WritableByField(field string) (WritableRegister, bool) {
	for _, w := range m.Writable {
		if w.Field == field {
			return w, true
		}
	}
	return WritableRegister{}, false
}

// WritableAt returns the writable register at address.
func (m *RegisterMap) WritableAt(address uint16) (WritableRegister, bool) {
	for _, w := range m.Writable {
		if w.Address == address {
			return w, true
		}
	}
	return WritableRegister{}, false
}

// Schedule returns the schedule with the given name.
func (m *RegisterMap) Schedule(name string) (Schedule, bool) {
	for _, s := range m.Schedules {
		if s.Name == name {
			return s, true
		}
	}
	return Schedule{}, false
}

// Setting returns the composite setting with the given name.
func (m *RegisterMap) Setting(name string) (CompositeSetting, bool) {
	for _, c := range m.Settings {
		if c.Name == name {
			return c, true
		}
	}
	return CompositeSetting{}, false
}
