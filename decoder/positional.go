package decoder

import (
	"math"
	"strconv"
	"strings"

	"n4-basestation/common"
)

// Индексы полей позиционной записи, которую передает наземный приемник
const (
	fieldRecordNumber  = 0
	fieldOperationMode = 1
	fieldState         = 2
	fieldAX            = 3
	fieldAY            = 4
	fieldAZ            = 5
	fieldPitch         = 6
	fieldRoll          = 7
	// 8–10 гироскоп, 14 время GPS, 15 резерв: не используются
	fieldLatitude       = 11
	fieldLongitude      = 12
	fieldGPSAltitude    = 13
	fieldPressure       = 16
	fieldTemperature    = 17
	fieldAGL            = 18
	fieldVelocity       = 19
	fieldPyroDrogue     = 20
	fieldPyroMain       = 21
	fieldBatteryVoltage = 22
)

// minFields запись должна содержать хотя бы режим и состояние
const minFields = fieldState + 1

// fieldSetter записывает значение позиционного поля в кадр
type fieldSetter func(f *common.TelemetryFrame, v float64, present bool)

// positionalFields содержит обработчики необязательных полей
var positionalFields = map[int]fieldSetter{
	fieldLatitude:       func(f *common.TelemetryFrame, v float64, _ bool) { f.Position.Lat = v },
	fieldLongitude:      func(f *common.TelemetryFrame, v float64, _ bool) { f.Position.Lon = v },
	fieldGPSAltitude:    func(f *common.TelemetryFrame, v float64, _ bool) { f.Position.AltGPS = v },
	fieldPressure:       func(f *common.TelemetryFrame, v float64, _ bool) { f.Pressure = v },
	fieldTemperature:    func(f *common.TelemetryFrame, v float64, _ bool) { f.Temperature = v },
	fieldBatteryVoltage: func(f *common.TelemetryFrame, v float64, _ bool) { f.BatteryVoltage = v },
	fieldPyroDrogue:     func(f *common.TelemetryFrame, v float64, _ bool) { f.PyroDrogueFired = fired(v) },
	fieldPyroMain:       func(f *common.TelemetryFrame, v float64, _ bool) { f.PyroMainFired = fired(v) },
	fieldAGL: func(f *common.TelemetryFrame, v float64, present bool) {
		if present {
			f.AGL = &v
		}
	},
	fieldVelocity: func(f *common.TelemetryFrame, v float64, present bool) {
		if present {
			f.Velocity = &v
		}
	},
}

var accelerationFields = []int{fieldAX, fieldAY, fieldAZ, fieldPitch, fieldRoll}

func decodeTelemetryCSV(payload string) (common.TelemetryFrame, error) {
	fields := strings.Split(payload, ",")
	if len(fields) < minFields {
		return common.TelemetryFrame{}, &DecodeError{Kind: common.KindTelemetry, Err: ErrUnparseable}
	}

	modeValue, ok := parseField(fields, fieldOperationMode)
	if !ok {
		return common.TelemetryFrame{}, &DecodeError{Kind: common.KindTelemetry, Field: "operation_mode", Err: ErrUnparseable}
	}
	stateValue, ok := parseField(fields, fieldState)
	if !ok {
		return common.TelemetryFrame{}, &DecodeError{Kind: common.KindTelemetry, Field: "state", Err: ErrUnparseable}
	}
	mode, err := operationMode(modeValue)
	if err != nil {
		return common.TelemetryFrame{}, err
	}
	state, err := flightState(stateValue)
	if err != nil {
		return common.TelemetryFrame{}, err
	}

	nan := math.NaN()
	frame := common.TelemetryFrame{
		State:          state,
		OperationMode:  mode,
		Position:       common.Position{Lat: nan, Lon: nan, AltGPS: nan},
		Pressure:       nan,
		Temperature:    nan,
		BatteryVoltage: nan,
	}
	for idx, set := range positionalFields {
		v, present := parseField(fields, idx)
		set(&frame, v, present)
	}

	var acc common.Acceleration
	anyAcc := false
	for i, idx := range accelerationFields {
		v, present := parseField(fields, idx)
		anyAcc = anyAcc || present
		switch i {
		case 0:
			acc.AX = v
		case 1:
			acc.AY = v
		case 2:
			acc.AZ = v
		case 3:
			acc.Pitch = v
		case 4:
			acc.Roll = v
		}
	}
	if anyAcc {
		frame.Acceleration = &acc
	}
	return frame, nil
}

// parseField возвращает NaN и false для отсутствующих и нечисловых полей
func parseField(fields []string, idx int) (float64, bool) {
	if idx >= len(fields) {
		return math.NaN(), false
	}
	s := strings.TrimSpace(fields[idx])
	if s == "" {
		return math.NaN(), false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return math.NaN(), false
	}
	return v, true
}
