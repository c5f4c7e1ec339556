package server

import (
	"chtbx/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chtbx"

var connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "connections_active",
	Help:      "Number of open client connections.",
})

var sessionsAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "sessions_authenticated",
	Help:      "Number of connections holding an account's presence.",
})

// requestsTotal counts decoded requests by type (login, register, ...).
var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of decoded requests.",
	},
	[]string{"type"},
)

var loginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Total number of login attempts, by result status.",
	},
	[]string{"status"},
)

// protocolErrors counts connections torn down for a framing violation.
var protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "protocol_errors_total",
	Help:      "Total number of framing violations.",
})

func statusLabel(s protocol.LoginStatus) string {
	switch s {
	case protocol.LoginOK:
		return "ok"
	case protocol.LoginUsernameNotExist:
		return "username_not_exist"
	case protocol.LoginWrongPassword:
		return "wrong_password"
	case protocol.LoginAlreadyLoggedIn:
		return "already_logged_in"
	default:
		return "unknown"
	}
}
