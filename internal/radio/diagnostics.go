package radio

import "time"

// DiagnosticType names what a Diagnostic reports.
type DiagnosticType string

const (
	DiagStateChanged        DiagnosticType = "state_changed"
	DiagHardwareLost        DiagnosticType = "hardware_lost"
	DiagEventIgnored        DiagnosticType = "event_ignored"
	DiagScanStarted         DiagnosticType = "scan_started"
	DiagScanStopped         DiagnosticType = "scan_stopped"
	DiagScanTornDown        DiagnosticType = "scan_torn_down"
	DiagScanFailed          DiagnosticType = "scan_failed"
	DiagAdvertisingStarted  DiagnosticType = "advertising_started"
	DiagAdvertisingStopped  DiagnosticType = "advertising_stopped"
	DiagAdvertisingTornDown DiagnosticType = "advertising_torn_down"
)

// Diagnostic is the out-of-band detail behind the two-valued result codes.
// The host polls them from the Manager or subscribes through an EventPublisher.
type Diagnostic struct {
	Time      time.Time      `json:"time"`
	Transport TransportKind  `json:"transport"`
	Type      DiagnosticType `json:"type"`
	From      State          `json:"from"`
	To        State          `json:"to"`
	Attempt   string         `json:"attempt,omitempty"`
	Refs      int            `json:"refs"`
	Kind      ErrorKind      `json:"kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EventPublisher fans diagnostics out to interested subscribers.
type EventPublisher interface {
	Publish(topic string, data any)
}

// Topic returns the event-bus topic a diagnostic is published on.
func (d Diagnostic) Topic() string {
	switch d.Type {
	case DiagScanStarted, DiagScanStopped, DiagScanTornDown, DiagScanFailed:
		return "scan"
	case DiagAdvertisingStarted, DiagAdvertisingStopped, DiagAdvertisingTornDown:
		return "advertising"
	default:
		return "state"
	}
}

func newDiagnostic(transport TransportKind, typ DiagnosticType, err error) Diagnostic {
	d := Diagnostic{
		Time:      time.Now(),
		Transport: transport,
		Type:      typ,
	}
	if err != nil {
		d.Kind = KindOf(err)
		d.Error = err.Error()
	}
	return d
}
