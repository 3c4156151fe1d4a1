package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/rs/zerolog"
)

func newTestQueue(dev Device, pub Publisher, size int) (*CommandQueue, *domain.Snapshot) {
	snap := domain.NewSnapshot()
	q := NewCommandQueue(CommandConfig{QueueSize: size, CommandTimeout: 5 * time.Second}, testRegisters(), dev, snap, pub, zerolog.Nop(), nil)
	return q, snap
}

func waitResult(t *testing.T, h *CommandHandle) domain.CommandResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for %s: %v", h.Label, err)
	}
	return res
}

func TestEnqueue_ValidationNeverReachesDevice(t *testing.T) {
	dev := newFakeDevice()
	q, _ := newTestQueue(dev, nil, 8)

	enable := true
	cases := []struct {
		name   string
		intent domain.CommandIntent
		target error
	}{
		{"bitmask by address", domain.WriteAddress(addrChargeEn, 1), domain.ErrValidation},
		{"bitmask by field", domain.WriteField("charge_time_enable", 1), domain.ErrValidation},
		{"read-only address", domain.WriteAddress(0x4000, 1), domain.ErrValidation},
		{"unknown field", domain.WriteField("nope", 1), domain.ErrValidation},
		{"out of range", domain.WriteField("export_limit", 5000), domain.ErrValidation},
		{"unknown schedule", domain.ScheduleSlotIntent("boost", 1, domain.ClockTime{}, domain.ClockTime{}, 0x7F, 50, nil), domain.ErrUnknownSchedule},
		{"slot 0", domain.ScheduleSlotIntent("charge", 0, domain.ClockTime{}, domain.ClockTime{}, 0x7F, 50, nil), domain.ErrInvalidSlot},
		{"slot 8", domain.ScheduleSlotIntent("charge", 8, domain.ClockTime{}, domain.ClockTime{}, 0x7F, 50, &enable), domain.ErrInvalidSlot},
		{"bad day mask", domain.ScheduleSlotIntent("charge", 1, domain.ClockTime{}, domain.ClockTime{}, 0x80, 50, nil), domain.ErrValidation},
		{"power above max", domain.ScheduleSlotIntent("charge", 1, domain.ClockTime{}, domain.ClockTime{}, 0x7F, 101, nil), domain.ErrValidation},
		{"bad clock", domain.ScheduleSlotIntent("charge", 1, domain.ClockTime{Hour: 24}, domain.ClockTime{}, 0x7F, 50, nil), domain.ErrValidation},
		{"rmw without modifier", domain.CommandIntent{Kind: domain.CommandReadModifyWrite, Address: addrChargeEn}, domain.ErrValidation},
		{"rmw on read-only", domain.SetBits(0x4000, 1), domain.ErrValidation},
		{"unknown setting", domain.CompositeIntent("turbo", 1), domain.ErrUnknownSetting},
		{"setting out of range", domain.CompositeIntent("charging", 2), domain.ErrValidation},
		{"unknown kind", domain.CommandIntent{Kind: "reboot"}, domain.ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := q.Enqueue(tc.intent)
			if h != nil || !errors.Is(err, tc.target) {
				t.Fatalf("Enqueue() = %v, %v; want %v", h, err, tc.target)
			}
		})
	}

	if n := dev.writes.Load() + dev.reads.Load(); n != 0 {
		t.Fatalf("device touched %d times by rejected commands", n)
	}
	if q.Pending() != 0 {
		t.Fatal("rejected command queued")
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	q, _ := newTestQueue(newFakeDevice(), nil, 1)

	if _, err := q.Enqueue(domain.WriteField("export_limit", 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(domain.WriteField("export_limit", 200)); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestCommandQueue_FIFO(t *testing.T) {
	dev := newFakeDevice()
	q, _ := newTestQueue(dev, nil, 8)

	intents := []domain.CommandIntent{
		domain.WriteField("export_limit", 100),
		domain.WriteField("app_mode", 2),
		domain.WriteAddress(addrExportLim, 300),
	}
	var handles []*CommandHandle
	for _, in := range intents {
		h, err := q.Enqueue(in)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	q.Start(context.Background())
	defer q.Stop(context.Background())

	for _, h := range handles {
		if res := waitResult(t, h); !res.OK() {
			t.Fatalf("%s failed: %v", h.Label, res.Err)
		}
	}

	want := []writeCall{
		{addrExportLim, []uint16{100}},
		{addrAppMode, []uint16{2}},
		{addrExportLim, []uint16{300}},
	}
	got := dev.log()
	if len(got) != len(want) {
		t.Fatalf("writes = %v", got)
	}
	for i := range want {
		if got[i].address != want[i].address || got[i].values[0] != want[i].values[0] {
			t.Fatalf("write %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if handles[0].ID >= handles[1].ID || handles[1].ID >= handles[2].ID {
		t.Fatal("ids not increasing")
	}
}

func TestCommandQueue_OptimisticUpdate(t *testing.T) {
	dev := newFakeDevice()
	pub := &recordingPublisher{}
	q, snap := newTestQueue(dev, pub, 8)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	h, err := q.Enqueue(domain.WriteField("export_limit", 700))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, h)
	if !res.OK() {
		t.Fatal(res.Err)
	}

	if v, _ := snap.Get("export_limit"); v != int64(700) {
		t.Fatalf("snapshot export_limit = %v", v)
	}
	if res.Fields["export_limit"] != int64(700) {
		t.Fatalf("result fields = %v", res.Fields)
	}
	batches := pub.all()
	if len(batches) != 1 || batches[0]["export_limit"] != int64(700) {
		t.Fatalf("published = %v", batches)
	}

	// Unpolled writable registers still land in the snapshot.
	h, _ = q.Enqueue(domain.WriteField("app_mode", 3))
	waitResult(t, h)
	if v, _ := snap.Get("app_mode"); v != int64(3) {
		t.Fatalf("snapshot app_mode = %v", v)
	}
}

func TestCommandQueue_ScheduleSlotEnable(t *testing.T) {
	dev := newFakeDevice()
	dev.set(addrChargeEn, 15)
	q, snap := newTestQueue(dev, nil, 8)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	start, _ := domain.ParseClock("01:00")
	end, _ := domain.ParseClock("05:30")
	enable := true
	h, err := q.Enqueue(domain.ScheduleSlotIntent("charge", 5, start, end, 0x7F, 80, &enable))
	if err != nil {
		t.Fatal(err)
	}
	if res := waitResult(t, h); !res.OK() {
		t.Fatal(res.Err)
	}

	if got := dev.reg(addrChargeEn); got != 31 {
		t.Fatalf("mask = %d, want 31", got)
	}
	slot := uint16(addrSlot1 + 4*3)
	if got := []uint16{dev.reg(slot), dev.reg(slot + 1), dev.reg(slot + 2)}; got[0] != 0x0100 || got[1] != 0x051E || got[2] != 0x7F50 {
		t.Fatalf("slot words = %#04x", got)
	}
	if v, _ := snap.Get("charge_time_enable"); v != int64(31) {
		t.Fatalf("snapshot mask = %v", v)
	}

	// Disabling clears only that slot's bit.
	disable := false
	h, _ = q.Enqueue(domain.ScheduleSlotIntent("charge", 1, start, end, 0x7F, 80, &disable))
	waitResult(t, h)
	if got := dev.reg(addrChargeEn); got != 30 {
		t.Fatalf("mask = %d, want 30", got)
	}
}

func TestReadModifyWrite_ConcurrentBitsSurvive(t *testing.T) {
	dev := newFakeDevice()
	dev.readHook = func(address uint16) {
		if address == addrChargeEn {
			time.Sleep(5 * time.Millisecond)
		}
	}
	q, _ := newTestQueue(dev, nil, 8)

	var wg sync.WaitGroup
	for _, bit := range []uint16{2, 5} {
		wg.Add(1)
		go func(mask uint16) {
			defer wg.Done()
			if _, err := q.readModifyWrite(context.Background(), addrChargeEn, func(v uint16) uint16 { return v | mask }, map[string]interface{}{}); err != nil {
				t.Error(err)
			}
		}(1 << bit)
	}
	wg.Wait()

	if got := dev.reg(addrChargeEn); got != 1<<2|1<<5 {
		t.Fatalf("mask = %#x, want 0x24", got)
	}
}

func TestReadModifyWrite_UnchangedSkipsWrite(t *testing.T) {
	dev := newFakeDevice()
	dev.set(addrChargeEn, 0x04)
	q, _ := newTestQueue(dev, nil, 8)

	v, err := q.readModifyWrite(context.Background(), addrChargeEn, func(v uint16) uint16 { return v | 0x04 }, map[string]interface{}{})
	if err != nil || v != 0x04 {
		t.Fatalf("readModifyWrite() = %d, %v", v, err)
	}
	if dev.writes.Load() != 0 {
		t.Fatal("unchanged value written")
	}
}

func TestCommandQueue_Composite(t *testing.T) {
	dev := newFakeDevice()
	q, snap := newTestQueue(dev, nil, 8)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	h, _ := q.Enqueue(domain.CompositeIntent("charging", 1))
	res := waitResult(t, h)
	if !res.OK() {
		t.Fatal(res.Err)
	}
	if dev.reg(addrChargeEn) != 1 || dev.reg(addrAppMode) != 1 {
		t.Fatalf("registers = %d %d", dev.reg(addrChargeEn), dev.reg(addrAppMode))
	}
	if v, _ := snap.Get("charging_enabled"); v != 1.0 {
		t.Fatalf("charging_enabled = %v", v)
	}
}

func TestCommandQueue_CompositeAbortsOnFailedStep(t *testing.T) {
	dev := newFakeDevice()
	dev.writeErr[addrChargeEn] = fmt.Errorf("%w: illegal data value", domain.ErrOperationFailed)
	q, snap := newTestQueue(dev, nil, 8)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	h, _ := q.Enqueue(domain.CompositeIntent("charging", 1))
	res := waitResult(t, h)

	if !errors.Is(res.Err, domain.ErrOperationFailed) {
		t.Fatalf("err = %v", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "step 1 of 2") {
		t.Fatalf("err = %v", res.Err)
	}
	if dev.reg(addrAppMode) != 0 {
		t.Fatal("later step executed after failure")
	}
	if _, ok := snap.Get("charging_enabled"); ok {
		t.Fatal("failed setting reached the snapshot")
	}
	if dev.reconnects.Load() != 0 {
		t.Fatal("operation failure triggered reconnect")
	}
}

func TestCommandQueue_ReconnectionNeeded(t *testing.T) {
	dev := newFakeDevice()
	dev.writeErr[addrExportLim] = fmt.Errorf("%w: connection reset by peer", domain.ErrReconnectionNeeded)
	q, _ := newTestQueue(dev, nil, 8)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	h, _ := q.Enqueue(domain.WriteField("export_limit", 10))
	res := waitResult(t, h)

	if !domain.IsReconnectionNeeded(res.Err) {
		t.Fatalf("err = %v", res.Err)
	}
	if n := dev.reconnects.Load(); n != 1 {
		t.Fatalf("reconnects = %d", n)
	}
	if n := dev.writes.Load(); n != 1 {
		t.Fatalf("writes = %d, queue must not retry", n)
	}
}

func TestCommandQueue_StopDiscardsPending(t *testing.T) {
	dev := newFakeDevice()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	dev.writeHook = func(address uint16) {
		if address == addrExportLim {
			once.Do(func() { close(entered) })
			<-release
		}
	}
	q, _ := newTestQueue(dev, nil, 8)
	q.Start(context.Background())

	running, _ := q.Enqueue(domain.WriteField("export_limit", 1))
	<-entered
	if !q.WriteInFlight() {
		t.Fatal("write not reported in flight")
	}

	p1, _ := q.Enqueue(domain.WriteField("app_mode", 1))
	p2, _ := q.Enqueue(domain.WriteField("app_mode", 2))

	stopped := make(chan error)
	go func() { stopped <- q.Stop(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for q.ctx.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := q.Enqueue(domain.WriteField("app_mode", 3)); !errors.Is(err, domain.ErrQueueClosed) {
		t.Fatalf("enqueue after stop: %v", err)
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatal(err)
	}

	if res := waitResult(t, running); !res.OK() {
		t.Fatalf("running command: %v", res.Err)
	}
	for _, h := range []*CommandHandle{p1, p2} {
		if res := waitResult(t, h); !errors.Is(res.Err, domain.ErrQueueClosed) {
			t.Fatalf("pending command: %v", res.Err)
		}
	}
	if dev.reg(addrAppMode) != 0 {
		t.Fatal("discarded command reached the device")
	}
	if q.Stats()["discarded"] != 2 {
		t.Fatalf("stats = %v", q.Stats())
	}
	if q.WriteInFlight() {
		t.Fatal("in flight after stop")
	}
}
