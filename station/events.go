package station

import (
	"time"

	"github.com/dustin/go-humanize"

	"n4-basestation/common"
	"n4-basestation/link"
	"n4-basestation/series"
	"n4-basestation/uplink"
)

type event interface{ isEvent() }

type messageEvent struct {
	msg common.Message
}

type transportKind int

const (
	transportConnecting transportKind = iota
	transportConnected
	transportConnectFailed
	transportLost
)

type transportEvent struct {
	kind     transportKind
	channels []common.Channel
	at       time.Time
	err      error
}

func (messageEvent) isEvent()   {}
func (transportEvent) isEvent() {}

// linkListener передает события транспорта в очередь станции.
// Один транспорт может обслуживать оба канала, как MQTT.
type linkListener struct {
	station  *Station
	channels []common.Channel
}

// Listener возвращает получателя событий транспорта, который обслуживает перечисленные каналы
func (s *Station) Listener(channels ...common.Channel) common.LinkListener {
	return &linkListener{station: s, channels: channels}
}

func (l *linkListener) transport(kind transportKind, err error) {
	e := transportEvent{kind: kind, channels: l.channels, at: l.station.clock.Now(), err: err}
	select {
	case l.station.inbox <- e:
	case <-l.station.done:
	}
}

func (l *linkListener) LinkConnecting()             { l.transport(transportConnecting, nil) }
func (l *linkListener) LinkConnected()              { l.transport(transportConnected, nil) }
func (l *linkListener) LinkConnectFailed(err error) { l.transport(transportConnectFailed, err) }
func (l *linkListener) LinkLost(err error)          { l.transport(transportLost, err) }

// MessageReceived не блокирует транспорт: при переполненной очереди сообщение отбрасывается
func (l *linkListener) MessageReceived(msg common.Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = l.station.clock.Now()
	}
	select {
	case l.station.inbox <- messageEvent{msg: msg}:
	default:
		if n := l.station.dropped.Add(1); n == 1 || n%100 == 0 {
			l.station.logger.Warn("station inbox full, dropping message", "topic", msg.Topic, "dropped", n)
		}
	}
}

// Counters счетчики входящего потока
type Counters struct {
	FramesReceived  uint64 `json:"framesReceived"`
	DecodeErrors    uint64 `json:"decodeErrors"`
	DroppedMessages uint64 `json:"droppedMessages"`
}

// Snapshot состояние станции для панели и /status
type Snapshot struct {
	Links      map[string]link.Status    `json:"links"`
	Latest     *common.TelemetryFrame    `json:"latest,omitempty"`
	Armed      bool                      `json:"armed"`
	Queues     []uplink.Stats            `json:"queues"`
	Series     map[string][]series.Point `json:"series"`
	RecentLogs []common.LogEvent         `json:"recentLogs"`
	Counters   Counters                  `json:"counters"`
}

// Snapshot возвращает копию текущего состояния
func (s *Station) Snapshot() Snapshot {
	snap := Snapshot{
		Links:  make(map[string]link.Status, len(s.monitors)),
		Queues: []uplink.Stats{s.logs.Stats(), s.telemetry.Stats()},
		Series: s.series.Snapshot(),
		Counters: Counters{
			FramesReceived:  s.framesReceived.Load(),
			DecodeErrors:    s.decodeErrors.Load(),
			DroppedMessages: s.dropped.Load(),
		},
	}
	for ch, m := range s.monitors {
		snap.Links[ch.String()] = m.Status()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil {
		latest := *s.latest
		snap.Latest = &latest
	}
	snap.Armed = s.armed
	snap.RecentLogs = append([]common.LogEvent(nil), s.recentLogs...)
	return snap
}

func (s *Station) report() {
	now := s.clock.Now()
	for _, stats := range []uplink.Stats{s.logs.Stats(), s.telemetry.Stats()} {
		lastSuccess := "never"
		if !stats.LastSuccessAt.IsZero() {
			lastSuccess = humanize.RelTime(stats.LastSuccessAt, now, "ago", "from now")
		}
		s.logger.Info("uplink status",
			"queue", stats.Name,
			"depth", humanize.Comma(int64(stats.Depth)),
			"delivered", humanize.Comma(int64(stats.Delivered)),
			"failed_attempts", stats.FailedAttempts,
			"last_success", lastSuccess,
		)
		if s.observer != nil {
			s.observer.ObserveQueue(stats)
		}
	}
	frameAge := "none"
	if at := s.monitors[common.ChannelFlightComputer].Status().LastGoodFrameAt; at != nil {
		frameAge = humanize.RelTime(*at, now, "ago", "from now")
	}
	s.logger.Info("station status",
		"frames", humanize.Comma(int64(s.framesReceived.Load())),
		"last_frame", frameAge,
		"decode_errors", s.decodeErrors.Load(),
		"dropped", s.dropped.Load(),
		"base_station", s.monitors[common.ChannelBaseStation].Status().Phase.String(),
		"flight_computer", s.monitors[common.ChannelFlightComputer].Status().Phase.String(),
	)
}
