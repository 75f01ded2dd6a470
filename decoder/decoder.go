package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"n4-basestation/common"
)

var (
	// ErrUnparseable полезная нагрузка не разобрана ни как JSON, ни как CSV
	ErrUnparseable = errors.New("unparseable payload")
	// ErrMissingField отсутствует обязательное поле (state или operation_mode)
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField обязательное поле присутствует, но его значение недопустимо
	ErrInvalidField = errors.New("invalid required field")
)

// DecodeError описывает неудачное декодирование сообщения
type DecodeError struct {
	Kind  common.MessageKind
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: %v: %s", e.Kind, e.Err, e.Field)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Result результат успешного декодирования: кадр телеметрии или запись журнала
type Result struct {
	Kind  common.MessageKind
	Frame common.TelemetryFrame
	Log   common.LogEvent
}

// Decode превращает сырое сообщение в TelemetryFrame или LogEvent.
// Сначала пробуется JSON, для телеметрии затем позиционный CSV.
// Функция чистая: время берется из msg.ReceivedAt.
func Decode(msg common.Message) (Result, error) {
	payload := strings.TrimSpace(msg.Payload)

	if msg.Kind == common.KindLog {
		event, err := decodeLog(payload, msg.ReceivedAt)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: common.KindLog, Log: event}, nil
	}

	frame, err := decodeTelemetryJSON(payload)
	if errors.Is(err, errNotJSON) {
		frame, err = decodeTelemetryCSV(payload)
	}
	if err != nil {
		return Result{}, err
	}
	frame.ReceivedAt = msg.ReceivedAt
	return Result{Kind: common.KindTelemetry, Frame: frame}, nil
}

var errNotJSON = errors.New("not a JSON object")

// number числовое поле JSON: принимает числа, числовые строки и булевы значения.
// Все остальное оставляет поле отсутствующим.
type number struct {
	value   float64
	present bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		n.value, n.present = t, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			n.value, n.present = f, true
		}
	case bool:
		n.present = true
		if t {
			n.value = 1
		}
	}
	return nil
}

func (n number) float() float64 {
	if !n.present {
		return math.NaN()
	}
	return n.value
}

func (n number) optional() *float64 {
	if !n.present {
		return nil
	}
	v := n.value
	return &v
}

type telemetryJSON struct {
	State         *number `json:"state"`
	OperationMode *number `json:"operation_mode"`
	GPS           struct {
		Latitude    number `json:"latitude"`
		Longitude   number `json:"longitude"`
		GPSAltitude number `json:"gps_altitude"`
	} `json:"gps_data"`
	Alt struct {
		Pressure    number `json:"pressure"`
		Temperature number `json:"temperature"`
		AGL         number `json:"AGL"`
		Velocity    number `json:"velocity"`
	} `json:"alt_data"`
	Acc *struct {
		AX    number `json:"ax"`
		AY    number `json:"ay"`
		AZ    number `json:"az"`
		Pitch number `json:"pitch"`
		Roll  number `json:"roll"`
	} `json:"acc_data"`
	Chute struct {
		Pyro1 number `json:"pyro1_state"`
		Pyro2 number `json:"pyro2_state"`
	} `json:"chute_state"`
	BatteryVoltage number `json:"battery_voltage"`
}

func decodeTelemetryJSON(payload string) (common.TelemetryFrame, error) {
	var raw telemetryJSON
	if !strings.HasPrefix(payload, "{") {
		return common.TelemetryFrame{}, errNotJSON
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return common.TelemetryFrame{}, errNotJSON
	}

	if raw.State == nil || !raw.State.present {
		return common.TelemetryFrame{}, &DecodeError{Kind: common.KindTelemetry, Field: "state", Err: ErrMissingField}
	}
	if raw.OperationMode == nil || !raw.OperationMode.present {
		return common.TelemetryFrame{}, &DecodeError{Kind: common.KindTelemetry, Field: "operation_mode", Err: ErrMissingField}
	}
	state, err := flightState(raw.State.value)
	if err != nil {
		return common.TelemetryFrame{}, err
	}
	mode, err := operationMode(raw.OperationMode.value)
	if err != nil {
		return common.TelemetryFrame{}, err
	}

	frame := common.TelemetryFrame{
		State:         state,
		OperationMode: mode,
		Position: common.Position{
			Lat:    raw.GPS.Latitude.float(),
			Lon:    raw.GPS.Longitude.float(),
			AltGPS: raw.GPS.GPSAltitude.float(),
		},
		Pressure:        raw.Alt.Pressure.float(),
		Temperature:     raw.Alt.Temperature.float(),
		PyroDrogueFired: fired(raw.Chute.Pyro1.float()),
		PyroMainFired:   fired(raw.Chute.Pyro2.float()),
		BatteryVoltage:  raw.BatteryVoltage.float(),
		AGL:             raw.Alt.AGL.optional(),
		Velocity:        raw.Alt.Velocity.optional(),
	}
	if raw.Acc != nil {
		frame.Acceleration = &common.Acceleration{
			AX:    raw.Acc.AX.float(),
			AY:    raw.Acc.AY.float(),
			AZ:    raw.Acc.AZ.float(),
			Pitch: raw.Acc.Pitch.float(),
			Roll:  raw.Acc.Roll.float(),
		}
	}
	return frame, nil
}

// flightState допускает только целые значения в диапазоне int32, без округления
func flightState(v float64) (common.FlightState, error) {
	if math.IsNaN(v) || v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, &DecodeError{Kind: common.KindTelemetry, Field: "state", Err: ErrInvalidField}
	}
	return common.FlightState(int(v)), nil
}

// operationMode допускает только 0 (SAFE) и 1 (ARMED)
func operationMode(v float64) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &DecodeError{Kind: common.KindTelemetry, Field: "operation_mode", Err: ErrInvalidField}
	}
}

// fired пиропатрон считается сработавшим при любом ненулевом значении
func fired(v float64) bool {
	return !math.IsNaN(v) && v != 0
}

type logJSON struct {
	Level     string `json:"level"`
	Source    string `json:"source"`
	Message   any    `json:"message"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Status    string `json:"status"`
}

func decodeLog(payload string, receivedAt time.Time) (common.LogEvent, error) {
	var raw logJSON
	if !strings.HasPrefix(payload, "{") {
		return common.LogEvent{}, &DecodeError{Kind: common.KindLog, Err: ErrUnparseable}
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return common.LogEvent{}, &DecodeError{Kind: common.KindLog, Err: fmt.Errorf("%w: %v", ErrUnparseable, err)}
	}

	event := common.LogEvent{
		Timestamp: receivedAt,
		Level:     common.LevelInfo,
		Source:    common.SourceUnknown,
		Action:    raw.Action,
		Status:    raw.Status,
	}
	if raw.Level != "" {
		event.Level = common.ParseLogLevel(raw.Level)
	}
	if raw.Source != "" {
		event.Source = raw.Source
	}
	if raw.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			event.Timestamp = ts
		}
	}
	switch m := raw.Message.(type) {
	case nil:
	case string:
		event.Message = m
	default:
		b, _ := json.Marshal(m)
		event.Message = string(b)
	}
	return event, nil
}
