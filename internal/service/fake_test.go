package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/saj-gateway/internal/domain"
)

type writeCall struct {
	address uint16
	values  []uint16
}

// fakeDevice is an in-memory register file.
type fakeDevice struct {
	mu        sync.Mutex
	regs      map[uint16]uint16
	readErr   map[uint16]error
	writeErr  map[uint16]error
	writeLog  []writeCall
	readHook  func(address uint16)
	writeHook func(address uint16)

	reads      atomic.Int32
	writes     atomic.Int32
	reconnects atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		regs:     make(map[uint16]uint16),
		readErr:  make(map[uint16]error),
		writeErr: make(map[uint16]error),
	}
}

func (d *fakeDevice) Read(ctx context.Context, address, count uint16) ([]uint16, error) {
	d.reads.Add(1)
	if d.readHook != nil {
		d.readHook(address)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readErr[address]; err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = d.regs[address+uint16(i)]
	}
	return out, nil
}

func (d *fakeDevice) Write(ctx context.Context, address uint16, values []uint16) error {
	d.writes.Add(1)
	if d.writeHook != nil {
		d.writeHook(address)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeErr[address]; err != nil {
		return err
	}
	d.writeLog = append(d.writeLog, writeCall{address: address, values: append([]uint16(nil), values...)})
	for i, v := range values {
		d.regs[address+uint16(i)] = v
	}
	return nil
}

func (d *fakeDevice) Reconnect(ctx context.Context) error {
	d.reconnects.Add(1)
	return nil
}

func (d *fakeDevice) reg(address uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[address]
}

func (d *fakeDevice) set(address uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.regs[address+uint16(i)] = v
	}
}

func (d *fakeDevice) log() []writeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]writeCall(nil), d.writeLog...)
}

// recordingPublisher captures published change sets.
type recordingPublisher struct {
	mu      sync.Mutex
	batches []map[string]interface{}
}

func (p *recordingPublisher) Publish(changed map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, changed)
}

func (p *recordingPublisher) all() []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]interface{}(nil), p.batches...)
}

const (
	addrPV        = 0x4000
	addrBattery   = 0x4069
	addrChargeEn  = 0x3604
	addrSlot1     = 0x3606
	addrExportLim = 0x365A
	addrAppMode   = 0x3647
)

func floatPtr(v float64) *float64 { return &v }

// testRegisters is a small SAJ-like map.
func testRegisters() *domain.RegisterMap {
	slots := make([]domain.ScheduleSlot, 0, 7)
	for i := 1; i <= 7; i++ {
		slots = append(slots, domain.ScheduleSlot{Index: i, Address: addrSlot1 + uint16(i-1)*3})
	}
	return &domain.RegisterMap{
		Blocks: []domain.RegisterBlock{
			{Name: "pv", Start: addrPV, Count: 2, Tier: domain.TierFast, Fields: []domain.DecodeInstruction{
				{Name: "pv1_power", Type: domain.TypeUint16},
				{Name: "pv2_power", Type: domain.TypeUint16},
			}},
			{Name: "battery", Start: addrBattery, Count: 2, Tier: domain.TierFast, Fields: []domain.DecodeInstruction{
				{Name: "battery_soc", Type: domain.TypeUint16, Scale: 0.01},
				{Name: "battery_power", Type: domain.TypeInt16},
			}},
			{Name: "masks", Start: addrChargeEn, Count: 1, Tier: domain.TierSlow, Fields: []domain.DecodeInstruction{
				{Name: "charge_time_enable", Type: domain.TypeUint16},
			}},
			{Name: "limits", Start: addrExportLim, Count: 1, Tier: domain.TierSlow, Fields: []domain.DecodeInstruction{
				{Name: "export_limit", Type: domain.TypeUint16},
			}},
			{Name: "grid", Start: 0x4100, Count: 1, Tier: domain.TierUltraFast, Fields: []domain.DecodeInstruction{
				{Name: "grid_power", Type: domain.TypeInt16},
			}},
		},
		Bitmasks: []domain.BitmaskRegister{
			{Name: "charge_time_enable", Address: addrChargeEn, Field: "charge_time_enable"},
		},
		Writable: []domain.WritableRegister{
			{Field: "export_limit", Address: addrExportLim, Min: 0, Max: 1100},
			{Field: "app_mode", Address: addrAppMode, Min: 0, Max: 3},
		},
		Schedules: []domain.Schedule{
			{Name: "charge", MaskAddress: addrChargeEn, Slots: slots},
		},
		Settings: []domain.CompositeSetting{
			{Name: "charging", Min: 0, Max: 1, Field: "charging_enabled", Steps: []domain.CompositeStep{
				{Action: domain.StepBit, Address: addrChargeEn, Bit: 0},
				{Action: domain.StepWrite, Address: addrAppMode, Value: floatPtr(1), Field: "app_mode"},
			}},
		},
	}
}
