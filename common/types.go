package common

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Channel обозначает логический канал связи, за здоровьем которого следит станция
type Channel int

const (
	ChannelBaseStation Channel = iota
	ChannelFlightComputer
)

func (c Channel) String() string {
	switch c {
	case ChannelBaseStation:
		return "base_station"
	case ChannelFlightComputer:
		return "flight_computer"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// MessageKind определяет, во что декодируется полезная нагрузка
type MessageKind int

const (
	KindTelemetry MessageKind = iota
	KindLog
)

func (k MessageKind) String() string {
	if k == KindLog {
		return "log"
	}
	return "telemetry"
}

// Message представляет сырое сообщение, полученное транспортом
type Message struct {
	Channel    Channel
	Kind       MessageKind
	Topic      string
	Payload    string
	ReceivedAt time.Time
}

// FlightState состояние полетного автомата бортового компьютера
type FlightState int

const (
	StatePreFlightGround FlightState = iota
	StatePoweredFlight
	StateCoasting
	StateApogee
	StateDrogueDeploy
	StateDrogueDescent
	StateMainDeploy
	StateMainDescent
	StatePostFlightGround
)

var flightStateNames = [...]string{
	"PRE_FLIGHT_GROUND",
	"POWERED_FLIGHT",
	"COASTING",
	"APOGEE",
	"DROGUE_DEPLOY",
	"DROGUE_DESCENT",
	"MAIN_DEPLOY",
	"MAIN_DESCENT",
	"POST_FLIGHT_GROUND",
}

func (s FlightState) String() string {
	if s >= 0 && int(s) < len(flightStateNames) {
		return flightStateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Position GPS-координаты аппарата
type Position struct {
	Lat    float64
	Lon    float64
	AltGPS float64
}

// Acceleration показания акселерометра и ориентация
type Acceleration struct {
	AX    float64
	AY    float64
	AZ    float64
	Pitch float64
	Roll  float64
}

// TelemetryFrame нормализованный кадр телеметрии.
// Отсутствующие числовые значения хранятся как NaN, необязательные поля как nil.
type TelemetryFrame struct {
	State           FlightState
	OperationMode   bool // true = ARMED
	Position        Position
	Pressure        float64
	Temperature     float64
	PyroDrogueFired bool
	PyroMainFired   bool
	BatteryVoltage  float64
	AGL             *float64
	Velocity        *float64
	Acceleration    *Acceleration
	ReceivedAt      time.Time
}

type frameJSON struct {
	Timestamp       time.Time         `json:"timestamp"`
	State           FlightState       `json:"state"`
	OperationMode   bool              `json:"operationMode"`
	Latitude        *float64          `json:"latitude"`
	Longitude       *float64          `json:"longitude"`
	Altitude        *float64          `json:"altitude"`
	Pressure        *float64          `json:"pressure"`
	Temperature     *float64          `json:"temperature"`
	PyroDrogueFired bool              `json:"pyroDrogue"`
	PyroMainFired   bool              `json:"pyroMain"`
	BatteryVoltage  *float64          `json:"batteryVoltage"`
	AGL             *float64          `json:"agl,omitempty"`
	Velocity        *float64          `json:"velocity,omitempty"`
	Acceleration    *accelerationJSON `json:"acceleration,omitempty"`
}

type accelerationJSON struct {
	AX    *float64 `json:"ax"`
	AY    *float64 `json:"ay"`
	AZ    *float64 `json:"az"`
	Pitch *float64 `json:"pitch"`
	Roll  *float64 `json:"roll"`
}

// MarshalJSON кодирует NaN как null, иначе encoding/json вернет ошибку
func (f TelemetryFrame) MarshalJSON() ([]byte, error) {
	w := frameJSON{
		Timestamp:       f.ReceivedAt,
		State:           f.State,
		OperationMode:   f.OperationMode,
		Latitude:        finite(f.Position.Lat),
		Longitude:       finite(f.Position.Lon),
		Altitude:        finite(f.Position.AltGPS),
		Pressure:        finite(f.Pressure),
		Temperature:     finite(f.Temperature),
		PyroDrogueFired: f.PyroDrogueFired,
		PyroMainFired:   f.PyroMainFired,
		BatteryVoltage:  finite(f.BatteryVoltage),
	}
	if a := f.Acceleration; a != nil {
		w.Acceleration = &accelerationJSON{
			AX:    finite(a.AX),
			AY:    finite(a.AY),
			AZ:    finite(a.AZ),
			Pitch: finite(a.Pitch),
			Roll:  finite(a.Roll),
		}
	}
	if f.AGL != nil {
		w.AGL = finite(*f.AGL)
	}
	if f.Velocity != nil {
		w.Velocity = finite(*f.Velocity)
	}
	return json.Marshal(w)
}

// UnmarshalJSON обратное преобразование: null становится NaN
func (f *TelemetryFrame) UnmarshalJSON(data []byte) error {
	var w frameJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = TelemetryFrame{
		State:         w.State,
		OperationMode: w.OperationMode,
		Position: Position{
			Lat:    orNaN(w.Latitude),
			Lon:    orNaN(w.Longitude),
			AltGPS: orNaN(w.Altitude),
		},
		Pressure:        orNaN(w.Pressure),
		Temperature:     orNaN(w.Temperature),
		PyroDrogueFired: w.PyroDrogueFired,
		PyroMainFired:   w.PyroMainFired,
		BatteryVoltage:  orNaN(w.BatteryVoltage),
		AGL:             w.AGL,
		Velocity:        w.Velocity,
		ReceivedAt:      w.Timestamp,
	}
	if a := w.Acceleration; a != nil {
		f.Acceleration = &Acceleration{
			AX:    orNaN(a.AX),
			AY:    orNaN(a.AY),
			AZ:    orNaN(a.AZ),
			Pitch: orNaN(a.Pitch),
			Roll:  orNaN(a.Roll),
		}
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// LogLevel уровень записи журнала
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLogLevel приводит уровень к одному из четырех известных.
// Уровни прошивки WARNING и CRITICAL отображаются на WARN и ERROR, неизвестные на INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR", "CRITICAL":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEvent запись журнала, локальная или пришедшая от бортового компьютера
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Action    string    `json:"action,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// Источники локальных записей
const (
	SourceBasestation = "Basestation"
	SourceUnknown     = "unknown"
)
