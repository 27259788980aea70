package hub

import (
	"context"
	"testing"
	"time"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

func TestJanitorReapsExpiredPendingEntry(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := newTestHub(st, factory.factory())

	cfg := telegramConfig()
	cfg.Channel = message.ChannelWhatsApp
	info, err := h.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, err := h.entry(info.Config.ID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	// never scanned: stuck in the qr state since well before the TTL
	e.setStatus(channel.Status{
		State:     channel.StateQR,
		QR:        "pairing-payload",
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})

	j, err := NewJanitor(nil, h, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Sweep()

	if client.stops() != 1 {
		t.Fatalf("client stops = %d, want 1", client.stops())
	}
	if got := e.snapshotStatus().State; got != channel.StateStopped {
		t.Fatalf("entry state = %s, want stopped", got)
	}
	if st.status(info.Config.ID) != string(channel.StateStopped) {
		t.Fatalf("persisted status = %s, want stopped", st.status(info.Config.ID))
	}
}

func TestJanitorLeavesFreshPendingAlone(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := newTestHub(newMemStore(), factory.factory())

	info, err := h.Create(context.Background(), telegramConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, _ := h.entry(info.Config.ID)
	e.setStatus(channel.Status{State: channel.StateQR, UpdatedAt: time.Now().UTC()})

	j, err := NewJanitor(nil, h, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Sweep()

	if client.stops() != 0 {
		t.Fatal("fresh pending connection must not be reaped")
	}
	if got := e.snapshotStatus().State; got != channel.StateQR {
		t.Fatalf("entry state = %s, want qr", got)
	}
}

func TestJanitorReapsOrphanedPendingRow(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	h := newTestHub(st, (&fakeFactory{}).factory())
	seed := telegramConfig()
	seed.ID = "conn-orphan"
	seed.Status = string(channel.StateInitializing)
	seed.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := st.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j, err := NewJanitor(nil, h, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Sweep()

	if st.status("conn-orphan") != string(channel.StateStopped) {
		t.Fatalf("orphan row status = %s, want stopped", st.status("conn-orphan"))
	}
}

func TestJanitorIgnoresConnectedEntries(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := newTestHub(newMemStore(), factory.factory())

	info, err := h.Create(context.Background(), telegramConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, _ := h.entry(info.Config.ID)
	e.setStatus(channel.Status{State: channel.StateConnected, UpdatedAt: time.Now().UTC().Add(-time.Hour)})

	j, err := NewJanitor(nil, h, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Sweep()

	if client.stops() != 0 {
		t.Fatal("connected entries must not be reaped")
	}
}
