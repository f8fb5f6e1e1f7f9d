package main

import (
	"testing"

	"github.com/meshnetlab/meshbridge/internal/config"
)

func TestScriptBaseEnvPointsAtVirtualNode(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.Host = "192.168.1.10"
	cfg.VirtualNode.Enabled = true
	cfg.VirtualNode.ListenAddr = "0.0.0.0:4403"

	env := scriptBaseEnv(cfg)
	if env["MESHTASTIC_IP"] != "127.0.0.1" {
		t.Fatalf("MESHTASTIC_IP = %q, want loopback for wildcard listener", env["MESHTASTIC_IP"])
	}
	if env["MESHTASTIC_PORT"] != "4403" {
		t.Fatalf("MESHTASTIC_PORT = %q", env["MESHTASTIC_PORT"])
	}
}

func TestScriptBaseEnvFallsBackToRadio(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.Host = "192.168.1.10"
	cfg.VirtualNode.Enabled = false

	env := scriptBaseEnv(cfg)
	if env["MESHTASTIC_IP"] != "192.168.1.10" {
		t.Fatalf("MESHTASTIC_IP = %q, want physical radio host", env["MESHTASTIC_IP"])
	}
	if env["MESHTASTIC_PORT"] != "4403" {
		t.Fatalf("MESHTASTIC_PORT = %q", env["MESHTASTIC_PORT"])
	}
}

func TestNewTransportRejectsUnknownConnector(t *testing.T) {
	if _, err := newTransport(config.ConnectionConfig{Connector: "carrier-pigeon"}); err == nil {
		t.Fatal("expected an error for unknown connector")
	}
}

func TestNewTransportSelectsByConnector(t *testing.T) {
	ip, err := newTransport(config.ConnectionConfig{Connector: config.ConnectorIP, Host: "10.0.0.2", Port: 4403})
	if err != nil {
		t.Fatalf("ip transport: %v", err)
	}
	if ip.Name() != "ip" {
		t.Fatalf("transport name = %q, want ip", ip.Name())
	}

	serial, err := newTransport(config.ConnectionConfig{Connector: config.ConnectorSerial, SerialPort: "/dev/ttyUSB0", SerialBaud: 115200})
	if err != nil {
		t.Fatalf("serial transport: %v", err)
	}
	if serial.Name() != "serial" {
		t.Fatalf("transport name = %q, want serial", serial.Name())
	}
}
