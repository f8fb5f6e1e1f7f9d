package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func TestNodeUpsertRoundtrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewNodeRepo(db)
	ctx := context.Background()

	snr := 7.25
	rssi := -80
	heard := time.Now().Truncate(time.Millisecond)
	in := domain.Node{
		NodeNum:     0x42,
		LongName:    "Rooftop Relay",
		ShortName:   "ROOF",
		HWModel:     "HELTEC_V3",
		PublicKey:   []byte{1, 2, 3, 4},
		Position:    domain.Position{Latitude: 52.52, Longitude: 13.41, Altitude: 34, PrecisionBits: 16, Time: heard},
		LastHeardAt: heard,
		SNR:         &snr,
		RSSI:        &rssi,
		HopsAway:    2,
		Favorite:    true,
		KeyMismatch: true,
		UpdatedAt:   heard,

		HasRemoteAdmin: true,
		AdminProbedAt:  heard,
	}
	if err := repo.Upsert(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	out, found, err := repo.Get(ctx, 0x42)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if out.LongName != in.LongName || out.ShortName != in.ShortName {
		t.Fatalf("names = %q/%q, want %q/%q", out.LongName, out.ShortName, in.LongName, in.ShortName)
	}
	if out.SNR == nil || *out.SNR != snr {
		t.Fatalf("snr = %v, want %v", out.SNR, snr)
	}
	if out.RSSI == nil || *out.RSSI != rssi {
		t.Fatalf("rssi = %v, want %v", out.RSSI, rssi)
	}
	if !out.LastHeardAt.Equal(heard) {
		t.Fatalf("last heard = %v, want %v", out.LastHeardAt, heard)
	}
	if !out.KeyMismatch || !out.Favorite || !out.HasRemoteAdmin {
		t.Fatal("flags lost in roundtrip")
	}
	if !out.AdminProbedAt.Equal(heard) {
		t.Fatalf("admin probed at = %v, want %v", out.AdminProbedAt, heard)
	}
	if out.Position.Latitude != 52.52 || out.Position.PrecisionBits != 16 {
		t.Fatalf("position lost: %+v", out.Position)
	}
}

func TestGetMissingNode(t *testing.T) {
	db := openTestDB(t)
	repo := NewNodeRepo(db)

	_, found, err := repo.Get(context.Background(), 0x99)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("missing node reported as found")
	}
}

func TestMarkWelcomedWinsOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewNodeRepo(db)
	ctx := context.Background()
	if err := repo.Upsert(ctx, domain.Node{NodeNum: 0x42}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first, err := repo.MarkWelcomedIfNotAlready(ctx, 0x42, time.Now())
	if err != nil || !first {
		t.Fatalf("first mark = %v err=%v, want true", first, err)
	}
	second, err := repo.MarkWelcomedIfNotAlready(ctx, 0x42, time.Now())
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Fatal("second mark also won; welcome is not atomic")
	}
}

func TestWelcomedAtSurvivesLaterUpserts(t *testing.T) {
	db := openTestDB(t)
	repo := NewNodeRepo(db)
	ctx := context.Background()
	if err := repo.Upsert(ctx, domain.Node{NodeNum: 0x42}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := repo.MarkWelcomedIfNotAlready(ctx, 0x42, time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// Engine upserts never carry the welcome timestamp.
	if err := repo.Upsert(ctx, domain.Node{NodeNum: 0x42, LongName: "Updated"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	node, _, err := repo.Get(ctx, 0x42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.WelcomedAt.IsZero() {
		t.Fatal("welcomed_at erased by a later upsert")
	}
}

func TestMessageInsertDeduplicates(t *testing.T) {
	db := openTestDB(t)
	repo := NewMessageRepo(db)
	ctx := context.Background()

	msg := domain.Message{FromNodeNum: 0x42, ToNodeNum: 0x0A, PacketID: 777, Text: "hello", Channel: 0, RxTime: time.Now()}
	inserted, err := repo.Insert(ctx, msg)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v err=%v, want true", inserted, err)
	}
	inserted, err = repo.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("rebroadcast created a duplicate row")
	}
}

func TestMessageDeliveryUpdates(t *testing.T) {
	db := openTestDB(t)
	repo := NewMessageRepo(db)
	ctx := context.Background()

	msg := domain.Message{FromNodeNum: 0x0A, ToNodeNum: 0x42, PacketID: 5, RequestID: 5, Text: "ping", Channel: -1, State: domain.DeliveryPending, RxTime: time.Now()}
	if _, err := repo.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.UpdateDeliveryState(ctx, 5, domain.DeliveryConfirmed); err != nil {
		t.Fatalf("update state: %v", err)
	}
	ackTime := time.Now().Add(3 * time.Second).Truncate(time.Millisecond)
	if err := repo.UpdateTimestamps(ctx, 5, ackTime); err != nil {
		t.Fatalf("update timestamps: %v", err)
	}

	var state int
	var rxTime int64
	err := db.QueryRowContext(ctx, `SELECT state, rx_time FROM messages WHERE request_id = 5`).Scan(&state, &rxTime)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if domain.DeliveryState(state) != domain.DeliveryConfirmed {
		t.Fatalf("state = %v, want confirmed", domain.DeliveryState(state))
	}
	if !fromUnixMillis(rxTime).Equal(ackTime) {
		t.Fatalf("rx_time = %v, want %v", fromUnixMillis(rxTime), ackTime)
	}
}

func TestChannelRowIDStableAcrossUpserts(t *testing.T) {
	db := openTestDB(t)
	repo := NewChannelRepo(db)
	ctx := context.Background()

	first, err := repo.Upsert(ctx, domain.Channel{Index: 1, Name: "LongFast", Role: domain.ChannelRoleSecondary})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := repo.Upsert(ctx, domain.Channel{Index: 1, Name: "Renamed", Role: domain.ChannelRoleSecondary})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first != second {
		t.Fatalf("row id changed %d -> %d; decrypted-message references would break", first, second)
	}

	ch, found, err := repo.Get(ctx, 1)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if ch.Name != "Renamed" {
		t.Fatalf("name = %q, want Renamed", ch.Name)
	}
}

func TestNextAutoTargetRotates(t *testing.T) {
	db := openTestDB(t)
	nodes := NewNodeRepo(db)
	repo := NewTracerouteRepo(db)
	ctx := context.Background()
	now := time.Now()

	for _, n := range []domain.Node{
		{NodeNum: 0x20, LastHeardAt: now},
		{NodeNum: 0x21, LastHeardAt: now},
	} {
		if err := nodes.Upsert(ctx, n); err != nil {
			t.Fatalf("seed node: %v", err)
		}
	}

	first, found, err := repo.NextAutoTarget(ctx, 12*time.Hour)
	if err != nil || !found {
		t.Fatalf("first pick: found=%v err=%v", found, err)
	}
	if err := repo.RecordAutoTraceroute(ctx, first, now); err != nil {
		t.Fatalf("record probe: %v", err)
	}

	second, found, err := repo.NextAutoTarget(ctx, 12*time.Hour)
	if err != nil || !found {
		t.Fatalf("second pick: found=%v err=%v", found, err)
	}
	if second == first {
		t.Fatalf("picked %#x twice in a row", first)
	}

	if err := repo.RecordAutoTraceroute(ctx, second, now); err != nil {
		t.Fatalf("record probe: %v", err)
	}
	_, found, err = repo.NextAutoTarget(ctx, 12*time.Hour)
	if err != nil {
		t.Fatalf("third pick: %v", err)
	}
	if found {
		t.Fatal("all nodes probed recently, expected no target")
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewSettingRepo(db)
	ctx := context.Background()

	if _, found, err := repo.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}
	if err := repo.Set(ctx, "last_announce", "2026-08-24T12:00:00Z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.Set(ctx, "last_announce", "2026-08-24T13:00:00Z"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, found, err := repo.Get(ctx, "last_announce")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if value != "2026-08-24T13:00:00Z" {
		t.Fatalf("value = %q, want the overwritten one", value)
	}
}

func TestNeighborReplaceSwapsAtomically(t *testing.T) {
	db := openTestDB(t)
	repo := NewNeighborRepo(db)
	ctx := context.Background()
	now := time.Now()

	first := []domain.NeighborEntry{{NodeNum: 1, SNR: 5}, {NodeNum: 2, SNR: -3}}
	if err := repo.Replace(ctx, 0x42, first, now); err != nil {
		t.Fatalf("replace: %v", err)
	}
	second := []domain.NeighborEntry{{NodeNum: 3, SNR: 1}}
	if err := repo.Replace(ctx, 0x42, second, now); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM neighbors WHERE reporter = ?`, 0x42).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("neighbor rows = %d, want 1 after replace", count)
	}
}
