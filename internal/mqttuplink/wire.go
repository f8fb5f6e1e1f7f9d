package mqttuplink

import "time"

// JSON shapes published to the broker. Node references use the canonical
// "!xxxxxxxx" id form so consumers never deal with raw node numbers.

type messageEvent struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Text    string    `json:"text"`
	Channel int       `json:"channel"`
	Direct  bool      `json:"direct"`
	SNR     float64   `json:"snr"`
	RSSI    int       `json:"rssi"`
	At      time.Time `json:"at"`
}

type nodeEvent struct {
	NodeID     string    `json:"node_id"`
	LongName   string    `json:"long_name"`
	ShortName  string    `json:"short_name"`
	HWModel    string    `json:"hw_model"`
	HopsAway   int       `json:"hops_away"`
	Discovered bool      `json:"discovered"`
	At         time.Time `json:"at"`
}

type positionEvent struct {
	NodeID    string    `json:"node_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  int32     `json:"altitude"`
	At        time.Time `json:"at"`
}

type tracerouteEvent struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Route []string  `json:"route"`
	At    time.Time `json:"at"`
}

type deliveryEvent struct {
	RequestID uint32    `json:"request_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type statusEvent struct {
	State     string    `json:"state"`
	Transport string    `json:"transport"`
	Target    string    `json:"target"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
