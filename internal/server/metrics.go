package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics exported on /metrics.
type Metrics struct {
	Rooms      prometheus.Gauge
	Peers      prometheus.Gauge
	Joins      *prometheus.CounterVec
	Departures *prometheus.CounterVec
	Relayed    *prometheus.CounterVec
}

// Join results.
const (
	joinAccepted = "accepted"
	joinRoomFull = "room_full"
	joinDenied   = "denied"
	joinInvalid  = "invalid"
)

// Departure reasons.
const (
	leftExplicit   = "leave"
	leftDisconnect = "disconnect"
	leftSlow       = "slow_consumer"
)

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warpcall",
			Name:      "rooms_active",
			Help:      "Rooms with at least one occupant.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warpcall",
			Name:      "peers_active",
			Help:      "Peers currently joined to a room.",
		}),
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpcall",
			Name:      "joins_total",
			Help:      "Join attempts by result.",
		}, []string{"result"}),
		Departures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpcall",
			Name:      "departures_total",
			Help:      "Peers leaving a room by reason.",
		}, []string{"reason"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warpcall",
			Name:      "relayed_messages_total",
			Help:      "Negotiation messages relayed between peers.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(m.Rooms, m.Peers, m.Joins, m.Departures, m.Relayed)
	}
	return m
}
