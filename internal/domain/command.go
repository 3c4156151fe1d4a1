package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandKind selects how the command queue executes an intent.
type CommandKind string

const (
	CommandSingleRegister   CommandKind = "single_register"
	CommandScheduleSlot     CommandKind = "schedule_slot"
	CommandReadModifyWrite  CommandKind = "read_modify_write"
	CommandCompositeSetting CommandKind = "composite_setting"
)

// ClockTime is a time of day with minute resolution.
type ClockTime struct {
	Hour   uint8
	Minute uint8
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ClockTime{}, Validationf("time %q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return ClockTime{}, Validationf("time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return ClockTime{}, Validationf("time %q: bad minute", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, Validationf("time %q out of range", s)
	}
	return ClockTime{Hour: uint8(hour), Minute: uint8(minute)}, nil
}

// Word encodes the time as hour<<8 | minute.
func (c ClockTime) Word() uint16 {
	return uint16(c.Hour)<<8 | uint16(c.Minute)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ClockFromWord decodes a hour<<8 | minute register.
func ClockFromWord(w uint16) ClockTime {
	return ClockTime{Hour: uint8(w >> 8), Minute: uint8(w)}
}

// CommandIntent is a single write request. It is consumed exactly once by the command
// queue and never persisted. Only the fields relevant to Kind are used.
type CommandIntent struct {
	Kind CommandKind

	// Single register: Field names a writable register, or Address targets it directly.
	Field   string
	Address uint16
	Value   float64

	// Schedule slot
	Schedule string
	Slot     int
	Start    ClockTime
	End      ClockTime
	DayMask  uint8
	Power    uint8
	Enable   *bool

	// Read-modify-write on Address
	Modifier func(current uint16) uint16
	Label    string

	// Composite setting
	Setting string
}

// Describe returns a short label for logs and responses.
func (c *CommandIntent) Describe() string {
	switch c.Kind {
	case CommandSingleRegister:
		if c.Field != "" {
			return fmt.Sprintf("write %s=%v", c.Field, c.Value)
		}
		return fmt.Sprintf("write @%d=%v", c.Address, c.Value)
	case CommandScheduleSlot:
		return fmt.Sprintf("schedule %s slot %d", c.Schedule, c.Slot)
	case CommandReadModifyWrite:
		if c.Label != "" {
			return fmt.Sprintf("rmw @%d %s", c.Address, c.Label)
		}
		return fmt.Sprintf("rmw @%d", c.Address)
	case CommandCompositeSetting:
		return fmt.Sprintf("setting %s=%v", c.Setting, c.Value)
	}
	return string(c.Kind)
}

// WriteField builds a single-register intent for a writable field.
func WriteField(field string, value float64) CommandIntent {
	return CommandIntent{Kind: CommandSingleRegister, Field: field, Value: value}
}

// WriteAddress builds a single-register intent for a register address.
func WriteAddress(address uint16, value float64) CommandIntent {
	return CommandIntent{Kind: CommandSingleRegister, Address: address, Value: value}
}

// ScheduleSlotIntent builds a schedule-slot intent.
func ScheduleSlotIntent(schedule string, slot int, start, end ClockTime, dayMask, power uint8, enable *bool) CommandIntent {
	return CommandIntent{
		Kind:     CommandScheduleSlot,
		Schedule: schedule,
		Slot:     slot,
		Start:    start,
		End:      end,
		DayMask:  dayMask,
		Power:    power,
		Enable:   enable,
	}
}

// SetBits returns an intent that ORs mask into the register.
func SetBits(address, mask uint16) CommandIntent {
	return CommandIntent{
		Kind:     CommandReadModifyWrite,
		Address:  address,
		Label:    fmt.Sprintf("set 0x%04x", mask),
		Modifier: func(v uint16) uint16 { return v | mask },
	}
}

// ClearBits returns an intent that clears mask in the register.
func ClearBits(address, mask uint16) CommandIntent {
	return CommandIntent{
		Kind:     CommandReadModifyWrite,
		Address:  address,
		Label:    fmt.Sprintf("clear 0x%04x", mask),
		Modifier: func(v uint16) uint16 { return v &^ mask },
	}
}

// SetBit returns an intent that sets or clears a single bit.
func SetBit(address uint16, bit uint8, on bool) CommandIntent {
	if on {
		return SetBits(address, 1<<bit)
	}
	return ClearBits(address, 1<<bit)
}

// CompositeIntent builds a composite-setting intent.
func CompositeIntent(setting string, value float64) CommandIntent {
	return CommandIntent{Kind: CommandCompositeSetting, Setting: setting, Value: value}
}

// CommandResult is delivered once per intent.
type CommandResult struct {
	ID       uint64
	Kind     CommandKind
	Label    string
	Err      error
	Fields   map[string]interface{}
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the command succeeded.
func (r CommandResult) OK() bool {
	return r.Err == nil
}
