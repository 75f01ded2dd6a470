package decoder

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"n4-basestation/common"
)

var receivedAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func telemetry(payload string) common.Message {
	return common.Message{
		Channel:    common.ChannelFlightComputer,
		Kind:       common.KindTelemetry,
		Topic:      "n4/flight-computer-1",
		Payload:    payload,
		ReceivedAt: receivedAt,
	}
}

func logMessage(payload string) common.Message {
	return common.Message{
		Channel:    common.ChannelFlightComputer,
		Kind:       common.KindLog,
		Topic:      "n4/logs",
		Payload:    payload,
		ReceivedAt: receivedAt,
	}
}

func TestDecodeJSONTelemetry(t *testing.T) {
	payload := `{
		"state": 3,
		"operation_mode": 1,
		"gps_data": {"latitude": -1.1, "longitude": 37.01, "gps_altitude": 1520.5},
		"alt_data": {"pressure": 850.2, "temperature": 18.4, "AGL": 1200, "velocity": -3.5},
		"acc_data": {"ax": 0.1, "ay": 0.2, "az": 9.8, "pitch": 4, "roll": 1},
		"chute_state": {"pyro1_state": 1, "pyro2_state": 0},
		"battery_voltage": 12.1
	}`

	res, err := Decode(telemetry(payload))
	require.NoError(t, err)
	require.Equal(t, common.KindTelemetry, res.Kind)

	f := res.Frame
	assert.Equal(t, common.StateApogee, f.State)
	assert.True(t, f.OperationMode)
	assert.Equal(t, common.Position{Lat: -1.1, Lon: 37.01, AltGPS: 1520.5}, f.Position)
	assert.Equal(t, 850.2, f.Pressure)
	assert.Equal(t, 18.4, f.Temperature)
	assert.True(t, f.PyroDrogueFired)
	assert.False(t, f.PyroMainFired)
	assert.Equal(t, 12.1, f.BatteryVoltage)
	require.NotNil(t, f.AGL)
	assert.Equal(t, 1200.0, *f.AGL)
	require.NotNil(t, f.Velocity)
	assert.Equal(t, -3.5, *f.Velocity)
	require.NotNil(t, f.Acceleration)
	assert.Equal(t, 9.8, f.Acceleration.AZ)
	assert.Equal(t, receivedAt, f.ReceivedAt)
}

func TestDecodeJSONMissingNumericFieldsBecomeNaN(t *testing.T) {
	res, err := Decode(telemetry(`{"state": 0, "operation_mode": 0, "alt_data": {"pressure": "n/a"}}`))
	require.NoError(t, err)

	f := res.Frame
	assert.Equal(t, common.StatePreFlightGround, f.State)
	assert.False(t, f.OperationMode)
	assert.True(t, math.IsNaN(f.Pressure))
	assert.True(t, math.IsNaN(f.Temperature))
	assert.True(t, math.IsNaN(f.Position.Lat))
	assert.True(t, math.IsNaN(f.BatteryVoltage))
	assert.Nil(t, f.AGL)
	assert.Nil(t, f.Velocity)
	assert.Nil(t, f.Acceleration)
	assert.False(t, f.PyroDrogueFired)
}

func TestDecodeRoutingFields(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
		field   string
	}{
		{"missing state", `{"operation_mode": 1}`, ErrMissingField, "state"},
		{"null state", `{"state": null, "operation_mode": 1}`, ErrMissingField, "state"},
		{"missing mode", `{"state": 2}`, ErrMissingField, "operation_mode"},
		{"fractional state", `{"state": 2.5, "operation_mode": 1}`, ErrInvalidField, "state"},
		{"huge state", `{"state": 1e300, "operation_mode": 1}`, ErrInvalidField, "state"},
		{"state above int32", `{"state": 2147483648, "operation_mode": 1}`, ErrInvalidField, "state"},
		{"csv huge state", `,1,1e300`, ErrInvalidField, "state"},
		{"mode out of range", `{"state": 2, "operation_mode": 7}`, ErrInvalidField, "operation_mode"},
		{"csv mode out of range", `,3,0`, ErrInvalidField, "operation_mode"},
		{"csv state not numeric", `,1,abc`, ErrUnparseable, "state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(telemetry(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.field, decodeErr.Field)
		})
	}
}

func TestDecodeBooleanOperationMode(t *testing.T) {
	res, err := Decode(telemetry(`{"state": 1, "operation_mode": true}`))
	require.NoError(t, err)
	assert.True(t, res.Frame.OperationMode)
	assert.Equal(t, common.StatePoweredFlight, res.Frame.State)
}

func TestDecodePositionalRecord(t *testing.T) {
	res, err := Decode(telemetry(",1,0,0.1,0.2,0.3,5,1,,,,37.01,-1.10,450,,,1013.2,21.5,455,,0,0,12.6"))
	require.NoError(t, err)

	f := res.Frame
	assert.True(t, f.OperationMode)
	assert.Equal(t, common.StatePreFlightGround, f.State)
	assert.Equal(t, common.Position{Lat: 37.01, Lon: -1.10, AltGPS: 450}, f.Position)
	assert.Equal(t, 1013.2, f.Pressure)
	assert.Equal(t, 21.5, f.Temperature)
	assert.False(t, f.PyroDrogueFired)
	assert.False(t, f.PyroMainFired)
	assert.Equal(t, 12.6, f.BatteryVoltage)
	require.NotNil(t, f.AGL)
	assert.Equal(t, 455.0, *f.AGL)
	assert.Nil(t, f.Velocity)
	require.NotNil(t, f.Acceleration)
	assert.Equal(t, common.Acceleration{AX: 0.1, AY: 0.2, AZ: 0.3, Pitch: 5, Roll: 1}, *f.Acceleration)
}

func TestDecodePositionalShortRecord(t *testing.T) {
	res, err := Decode(telemetry("17,0,4,1.5"))
	require.NoError(t, err)

	f := res.Frame
	assert.Equal(t, common.StateDrogueDeploy, f.State)
	assert.False(t, f.OperationMode)
	assert.True(t, math.IsNaN(f.Pressure))
	assert.True(t, math.IsNaN(f.Acceleration.AY))
	assert.Equal(t, 1.5, f.Acceleration.AX)
}

func TestDecodePositionalPyroNonzeroFired(t *testing.T) {
	res, err := Decode(telemetry(",1,4,,,,,,,,,,,,,,,,,,2,-1,11.9"))
	require.NoError(t, err)
	assert.True(t, res.Frame.PyroDrogueFired)
	assert.True(t, res.Frame.PyroMainFired)
	assert.Nil(t, res.Frame.Acceleration)
}

func TestDecodeUnparseable(t *testing.T) {
	payloads := []string{"", "garbage", "{not json", "42", "hello,world,again", `["state", 1]`}

	for _, p := range payloads {
		t.Run(p, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := Decode(telemetry(p))
				assert.ErrorIs(t, err, ErrUnparseable)
			})
		})
	}
}

func TestDecodeLogDefaults(t *testing.T) {
	res, err := Decode(logMessage(`{"message": "apogee detected"}`))
	require.NoError(t, err)
	require.Equal(t, common.KindLog, res.Kind)

	assert.Equal(t, common.LevelInfo, res.Log.Level)
	assert.Equal(t, common.SourceUnknown, res.Log.Source)
	assert.Equal(t, "apogee detected", res.Log.Message)
	assert.Equal(t, receivedAt, res.Log.Timestamp)
}

func TestDecodeLogFields(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		level   common.LogLevel
		source  string
		ts      time.Time
	}{
		{"firmware warning", `{"level": "WARNING", "source": "Flight Computer", "message": "low battery"}`, common.LevelWarn, "Flight Computer", receivedAt},
		{"firmware critical", `{"level": "CRITICAL", "message": "pyro fault"}`, common.LevelError, common.SourceUnknown, receivedAt},
		{"debug lowercase", `{"level": "debug", "message": "x"}`, common.LevelDebug, common.SourceUnknown, receivedAt},
		{"unknown level", `{"level": "TRACE", "message": "x"}`, common.LevelInfo, common.SourceUnknown, receivedAt},
		{"explicit timestamp", `{"timestamp": "2026-03-14T09:59:58Z", "message": "x"}`, common.LevelInfo, common.SourceUnknown, time.Date(2026, 3, 14, 9, 59, 58, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode(logMessage(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.level, res.Log.Level)
			assert.Equal(t, tt.source, res.Log.Source)
			assert.True(t, tt.ts.Equal(res.Log.Timestamp))
		})
	}
}

func TestDecodeLogUnparseable(t *testing.T) {
	_, err := Decode(logMessage("plain text line"))
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = Decode(logMessage(`{"message": `))
	assert.ErrorIs(t, err, ErrUnparseable)
}
