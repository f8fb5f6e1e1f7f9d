package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

var (
	ErrAdminTimeout = errors.New("timed out waiting for admin response")
	// ErrFirmwareTooOld marks admin commands the connected radio's firmware
	// cannot execute.
	ErrFirmwareTooOld = errors.New("radio firmware does not support this command")
)

// sessionKeyTTL is how long a captured session passkey is trusted. The radio
// honors it for 300 s; the margin absorbs clock skew and flight time.
const sessionKeyTTL = 290 * time.Second

const (
	sessionKeyPollInterval = 500 * time.Millisecond
	sessionKeyPollTimeout  = 45 * time.Second

	adminPollInterval = 250 * time.Millisecond
	adminPollTimeout  = 20 * time.Second
)

// nodeAdminMinVersion is the first firmware release with the node management
// admin commands (favorite, ignore, remove).
var nodeAdminMinVersion = [2]int{2, 7}

type sessionKey struct {
	key       []byte
	expiresAt time.Time
}

// adminCache holds the latest typed admin responses from one node. Requests
// correlate by response type, so each slot is cleared before the matching
// request goes out.
type adminCache struct {
	deviceConfig map[meshtastic.AdminMessage_ConfigType]*meshtastic.Config
	moduleConfig map[meshtastic.AdminMessage_ModuleConfigType]*meshtastic.ModuleConfig
	channels     map[int]*meshtastic.Channel
	owner        *meshtastic.User
	metadata     *meshtastic.DeviceMetadata
}

func newAdminCache() *adminCache {
	return &adminCache{
		deviceConfig: make(map[meshtastic.AdminMessage_ConfigType]*meshtastic.Config),
		moduleConfig: make(map[meshtastic.AdminMessage_ModuleConfigType]*meshtastic.ModuleConfig),
		channels:     make(map[int]*meshtastic.Channel),
	}
}

// SessionController acquires and caches the short-lived session keys remote
// admin requires, and correlates admin responses back to polling callers.
type SessionController struct {
	logger *slog.Logger
	codec  *radio.Codec
	sender FrameSender

	mu            sync.Mutex
	keys          map[uint32]sessionKey
	caches        map[uint32]*adminCache
	localFirmware string
}

func NewSessionController(logger *slog.Logger, codec *radio.Codec, sender FrameSender) *SessionController {
	return &SessionController{
		logger: logger.With("component", "session"),
		codec:  codec,
		sender: sender,
		keys:   make(map[uint32]sessionKey),
		caches: make(map[uint32]*adminCache),
	}
}

// SetLocalFirmware records the connected radio's firmware version from the
// init metadata frame.
func (s *SessionController) SetLocalFirmware(version string) {
	s.mu.Lock()
	s.localFirmware = version
	s.mu.Unlock()
}

// HandleAdminResponse captures the session passkey and files the typed
// response payload for whoever is polling.
func (s *SessionController) HandleAdminResponse(from uint32, admin *meshtastic.AdminMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key := admin.GetSessionPasskey(); len(key) > 0 {
		s.keys[from] = sessionKey{key: key, expiresAt: time.Now().Add(sessionKeyTTL)}
		s.logger.Debug("Captured session key", "node", domain.FormatNodeNum(from))
	}

	cache := s.cacheLocked(from)
	switch {
	case admin.GetGetConfigResponse() != nil:
		cfg := admin.GetGetConfigResponse()
		cache.deviceConfig[configTypeOf(cfg)] = cfg
	case admin.GetGetModuleConfigResponse() != nil:
		cfg := admin.GetGetModuleConfigResponse()
		cache.moduleConfig[moduleConfigTypeOf(cfg)] = cfg
	case admin.GetGetChannelResponse() != nil:
		ch := admin.GetGetChannelResponse()
		cache.channels[int(ch.GetIndex())] = ch
	case admin.GetGetOwnerResponse() != nil:
		cache.owner = admin.GetGetOwnerResponse()
	case admin.GetGetDeviceMetadataResponse() != nil:
		cache.metadata = admin.GetGetDeviceMetadataResponse()
	}
}

func (s *SessionController) cacheLocked(node uint32) *adminCache {
	cache, ok := s.caches[node]
	if !ok {
		cache = newAdminCache()
		s.caches[node] = cache
	}

	return cache
}

// sessionKeyFor returns a usable key for a remote node, eliciting one with a
// metadata request when none is cached. The local node needs no key.
func (s *SessionController) sessionKeyFor(ctx context.Context, node uint32) ([]byte, error) {
	if node == s.codec.LocalNodeNum() {
		return nil, nil
	}
	if key, ok := s.freshKey(node); ok {
		return key, nil
	}

	payload, _, err := s.codec.EncodeAdmin(node, nil, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetDeviceMetadataRequest{GetDeviceMetadataRequest: true},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("encode session key probe: %w", err)
	}
	if err := s.sender.SendFrame(ctx, payload); err != nil {
		return nil, fmt.Errorf("send session key probe: %w", err)
	}

	deadline := time.Now().Add(sessionKeyPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sessionKeyPollInterval):
		}
		if key, ok := s.freshKey(node); ok {
			return key, nil
		}
	}

	return nil, fmt.Errorf("session key for %s: %w", domain.FormatNodeNum(node), ErrAdminTimeout)
}

func (s *SessionController) freshKey(node uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[node]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}

	return entry.key, true
}

func (s *SessionController) sendAdmin(ctx context.Context, node uint32, admin *meshtastic.AdminMessage, wantResponse bool) error {
	key, err := s.sessionKeyFor(ctx, node)
	if err != nil {
		return err
	}
	payload, _, err := s.codec.EncodeAdmin(node, key, admin, wantResponse)
	if err != nil {
		return err
	}

	return s.sender.SendFrame(ctx, payload)
}

// poll waits for check to produce a value after an admin request went out.
func poll[T any](ctx context.Context, timeout time.Duration, check func() (T, bool)) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := check(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(adminPollInterval):
		}
	}

	return zero, ErrAdminTimeout
}

// RequestDeviceMetadata fetches firmware metadata from a node.
func (s *SessionController) RequestDeviceMetadata(ctx context.Context, node uint32) (*meshtastic.DeviceMetadata, error) {
	s.mu.Lock()
	s.cacheLocked(node).metadata = nil
	s.mu.Unlock()

	err := s.sendAdmin(ctx, node, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetDeviceMetadataRequest{GetDeviceMetadataRequest: true},
	}, true)
	if err != nil {
		return nil, err
	}

	return poll(ctx, adminPollTimeout, func() (*meshtastic.DeviceMetadata, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		md := s.cacheLocked(node).metadata

		return md, md != nil
	})
}

// RequestOwner fetches the user record a node announces.
func (s *SessionController) RequestOwner(ctx context.Context, node uint32) (*meshtastic.User, error) {
	s.mu.Lock()
	s.cacheLocked(node).owner = nil
	s.mu.Unlock()

	err := s.sendAdmin(ctx, node, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetOwnerRequest{GetOwnerRequest: true},
	}, true)
	if err != nil {
		return nil, err
	}

	return poll(ctx, adminPollTimeout, func() (*meshtastic.User, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		owner := s.cacheLocked(node).owner

		return owner, owner != nil
	})
}

// RequestConfig fetches one device config section.
func (s *SessionController) RequestConfig(ctx context.Context, node uint32, section meshtastic.AdminMessage_ConfigType) (*meshtastic.Config, error) {
	s.mu.Lock()
	delete(s.cacheLocked(node).deviceConfig, section)
	s.mu.Unlock()

	err := s.sendAdmin(ctx, node, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetConfigRequest{GetConfigRequest: section},
	}, true)
	if err != nil {
		return nil, err
	}

	return poll(ctx, adminPollTimeout, func() (*meshtastic.Config, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cfg, ok := s.cacheLocked(node).deviceConfig[section]

		return cfg, ok
	})
}

// RequestModuleConfig fetches one module config section.
func (s *SessionController) RequestModuleConfig(ctx context.Context, node uint32, section meshtastic.AdminMessage_ModuleConfigType) (*meshtastic.ModuleConfig, error) {
	s.mu.Lock()
	delete(s.cacheLocked(node).moduleConfig, section)
	s.mu.Unlock()

	err := s.sendAdmin(ctx, node, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetModuleConfigRequest{GetModuleConfigRequest: section},
	}, true)
	if err != nil {
		return nil, err
	}

	return poll(ctx, adminPollTimeout, func() (*meshtastic.ModuleConfig, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cfg, ok := s.cacheLocked(node).moduleConfig[section]

		return cfg, ok
	})
}

// RequestChannel fetches one channel slot definition.
func (s *SessionController) RequestChannel(ctx context.Context, node uint32, index int) (*meshtastic.Channel, error) {
	s.mu.Lock()
	delete(s.cacheLocked(node).channels, index)
	s.mu.Unlock()

	err := s.sendAdmin(ctx, node, &meshtastic.AdminMessage{
		// The wire field is 1-based; zero means "unset" in proto3.
		PayloadVariant: &meshtastic.AdminMessage_GetChannelRequest{GetChannelRequest: uint32(index) + 1},
	}, true)
	if err != nil {
		return nil, err
	}

	return poll(ctx, adminPollTimeout, func() (*meshtastic.Channel, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		ch, ok := s.cacheLocked(node).channels[index]

		return ch, ok
	})
}

// SetFavorite flags or unflags a node as favorite on the radio itself.
func (s *SessionController) SetFavorite(ctx context.Context, target uint32, favorite bool) error {
	if err := s.requireNodeAdmin(); err != nil {
		return err
	}
	admin := &meshtastic.AdminMessage{}
	if favorite {
		admin.PayloadVariant = &meshtastic.AdminMessage_SetFavoriteNode{SetFavoriteNode: target}
	} else {
		admin.PayloadVariant = &meshtastic.AdminMessage_RemoveFavoriteNode{RemoveFavoriteNode: target}
	}

	return s.sendAdmin(ctx, s.codec.LocalNodeNum(), admin, false)
}

// SetTime pushes a wall-clock timestamp to a node. The local node accepts
// it without a session key; remote nodes go through the usual key exchange.
func (s *SessionController) SetTime(ctx context.Context, node uint32, at time.Time) error {
	return s.sendAdmin(ctx, node, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetTimeOnly{SetTimeOnly: uint32(at.Unix())},
	}, false)
}

// RemoveNode deletes a node from the radio's node database.
func (s *SessionController) RemoveNode(ctx context.Context, target uint32) error {
	if err := s.requireNodeAdmin(); err != nil {
		return err
	}

	return s.sendAdmin(ctx, s.codec.LocalNodeNum(), &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_RemoveByNodenum{RemoveByNodenum: target},
	}, false)
}

func (s *SessionController) requireNodeAdmin() error {
	s.mu.Lock()
	version := s.localFirmware
	s.mu.Unlock()

	if !SupportsNodeAdmin(version) {
		return fmt.Errorf("firmware %q: %w", version, ErrFirmwareTooOld)
	}

	return nil
}

// SupportsNodeAdmin reports whether a firmware version string is at least the
// release that introduced the node management commands.
func SupportsNodeAdmin(version string) bool {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	if major != nodeAdminMinVersion[0] {
		return major > nodeAdminMinVersion[0]
	}

	return minor >= nodeAdminMinVersion[1]
}

// DropExpired evicts stale session keys; called periodically.
func (s *SessionController) DropExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for node, entry := range s.keys {
		if now.After(entry.expiresAt) {
			delete(s.keys, node)
		}
	}
}

func configTypeOf(cfg *meshtastic.Config) meshtastic.AdminMessage_ConfigType {
	switch {
	case cfg.GetDevice() != nil:
		return meshtastic.AdminMessage_DEVICE_CONFIG
	case cfg.GetPosition() != nil:
		return meshtastic.AdminMessage_POSITION_CONFIG
	case cfg.GetPower() != nil:
		return meshtastic.AdminMessage_POWER_CONFIG
	case cfg.GetNetwork() != nil:
		return meshtastic.AdminMessage_NETWORK_CONFIG
	case cfg.GetDisplay() != nil:
		return meshtastic.AdminMessage_DISPLAY_CONFIG
	case cfg.GetLora() != nil:
		return meshtastic.AdminMessage_LORA_CONFIG
	case cfg.GetBluetooth() != nil:
		return meshtastic.AdminMessage_BLUETOOTH_CONFIG
	default:
		return meshtastic.AdminMessage_DEVICE_CONFIG
	}
}

func moduleConfigTypeOf(cfg *meshtastic.ModuleConfig) meshtastic.AdminMessage_ModuleConfigType {
	switch {
	case cfg.GetMqtt() != nil:
		return meshtastic.AdminMessage_MQTT_CONFIG
	case cfg.GetSerial() != nil:
		return meshtastic.AdminMessage_SERIAL_CONFIG
	case cfg.GetExternalNotification() != nil:
		return meshtastic.AdminMessage_EXTNOTIF_CONFIG
	case cfg.GetStoreForward() != nil:
		return meshtastic.AdminMessage_STOREFORWARD_CONFIG
	case cfg.GetRangeTest() != nil:
		return meshtastic.AdminMessage_RANGETEST_CONFIG
	case cfg.GetTelemetry() != nil:
		return meshtastic.AdminMessage_TELEMETRY_CONFIG
	case cfg.GetCannedMessage() != nil:
		return meshtastic.AdminMessage_CANNEDMSG_CONFIG
	case cfg.GetAudio() != nil:
		return meshtastic.AdminMessage_AUDIO_CONFIG
	case cfg.GetRemoteHardware() != nil:
		return meshtastic.AdminMessage_REMOTEHARDWARE_CONFIG
	case cfg.GetNeighborInfo() != nil:
		return meshtastic.AdminMessage_NEIGHBORINFO_CONFIG
	case cfg.GetAmbientLighting() != nil:
		return meshtastic.AdminMessage_AMBIENTLIGHTING_CONFIG
	case cfg.GetDetectionSensor() != nil:
		return meshtastic.AdminMessage_DETECTIONSENSOR_CONFIG
	case cfg.GetPaxcounter() != nil:
		return meshtastic.AdminMessage_PAXCOUNTER_CONFIG
	default:
		return meshtastic.AdminMessage_MQTT_CONFIG
	}
}
