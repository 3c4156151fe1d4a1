package domain

import (
	"time"
)

// Request kinds accepted by the host surfaces.
const (
	RequestWrite        = "write"
	RequestScheduleSlot = "schedule_slot"
	RequestSetBits      = "set_bits"
	RequestClearBits    = "clear_bits"
	RequestSetBit       = "set_bit"
	RequestSetting      = "setting"
)

// CommandRequest is the JSON form of a write command received over MQTT or HTTP.
type CommandRequest struct {
	// RequestID is echoed in the response for correlation
	RequestID string `json:"request_id,omitempty"`

	// Kind selects the command; an empty kind means "write"
	Kind string `json:"kind,omitempty"`

	Field   string   `json:"field,omitempty"`
	Address *uint16  `json:"address,omitempty"`
	Value   *float64 `json:"value,omitempty"`

	Schedule string `json:"schedule,omitempty"`
	Slot     int    `json:"slot,omitempty"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	DayMask  *uint8 `json:"day_mask,omitempty"`
	Power    *uint8 `json:"power,omitempty"`
	Enable   *bool  `json:"enable,omitempty"`

	Mask *uint16 `json:"mask,omitempty"`
	Bit  *uint8  `json:"bit,omitempty"`
	On   *bool   `json:"on,omitempty"`

	Setting string `json:"setting,omitempty"`
}

// Intent converts the request into a command intent. Register-level checks happen
// later, when the intent is enqueued.
func (r *CommandRequest) Intent() (CommandIntent, error) {
	switch r.Kind {
	case "", RequestWrite:
		if r.Value == nil {
			return CommandIntent{}, Validationf("write needs a value")
		}
		if r.Field != "" {
			return WriteField(r.Field, *r.Value), nil
		}
		if r.Address != nil {
			return WriteAddress(*r.Address, *r.Value), nil
		}
		return CommandIntent{}, Validationf("write needs a field or an address")

	case RequestScheduleSlot:
		start, err := ParseClock(r.Start)
		if err != nil {
			return CommandIntent{}, err
		}
		end, err := ParseClock(r.End)
		if err != nil {
			return CommandIntent{}, err
		}
		days := uint8(0x7F)
		if r.DayMask != nil {
			days = *r.DayMask
		}
		if r.Power == nil {
			return CommandIntent{}, Validationf("schedule slot needs a power")
		}
		return ScheduleSlotIntent(r.Schedule, r.Slot, start, end, days, *r.Power, r.Enable), nil

	case RequestSetBits, RequestClearBits:
		if r.Address == nil || r.Mask == nil {
			return CommandIntent{}, Validationf("%s needs an address and a mask", r.Kind)
		}
		if r.Kind == RequestSetBits {
			return SetBits(*r.Address, *r.Mask), nil
		}
		return ClearBits(*r.Address, *r.Mask), nil

	case RequestSetBit:
		if r.Address == nil || r.Bit == nil || r.On == nil {
			return CommandIntent{}, Validationf("set_bit needs an address, a bit and on")
		}
		if *r.Bit > 15 {
			return CommandIntent{}, Validationf("bit %d out of range", *r.Bit)
		}
		return SetBit(*r.Address, *r.Bit, *r.On), nil

	case RequestSetting:
		if r.Setting == "" || r.Value == nil {
			return CommandIntent{}, Validationf("setting needs a name and a value")
		}
		return CompositeIntent(r.Setting, *r.Value), nil
	}
	return CommandIntent{}, Validationf("unknown command kind %q", r.Kind)
}

// CommandResponse reports the outcome of a command to the requester.
type CommandResponse struct {
	RequestID  string                 `json:"request_id,omitempty"`
	CommandID  uint64                 `json:"command_id,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs int64                  `json:"duration_ms"`
}

// NewCommandResponse builds the response for a completed command.
func NewCommandResponse(requestID string, r CommandResult) CommandResponse {
	resp := CommandResponse{
		RequestID:  requestID,
		CommandID:  r.ID,
		Command:    r.Label,
		Success:    r.OK(),
		Fields:     r.Fields,
		Timestamp:  time.Now().UTC(),
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

// RejectedResponse builds the response for a command that never ran.
func RejectedResponse(requestID string, err error) CommandResponse {
	return CommandResponse{
		RequestID: requestID,
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}
