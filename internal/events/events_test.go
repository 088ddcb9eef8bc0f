package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/migrate"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestWriterAppendReturnsStoredEvent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()

	w := Writer{Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	evt, err := w.Append(ctx, tx, ApprovalNew, "p1", "approval", "a1", "", EventPayload{"type": "plan"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Positive(t, evt.ID)
	assert.Equal(t, "system", evt.ActorID)
	assert.Equal(t, "2024-01-01T00:00:00Z", evt.TS)
	assert.JSONEq(t, `{"type":"plan"}`, evt.Payload)

	var stored string
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT payload_json FROM events WHERE id=?`, evt.ID).Scan(&stored))
	assert.Equal(t, evt.Payload, stored)
}

func TestBusFiltersByProject(t *testing.T) {
	bus := NewBus(4, nil)
	defer bus.Close()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()
	p1, cancelP1 := bus.Subscribe("p1")

	bus.Publish(domain.Event{ID: 1, ProjectID: "p1", Type: RunStatusUpdate}, domain.Event{ID: 2, ProjectID: "p2", Type: RunStatusUpdate})

	assert.Equal(t, int64(1), (<-all).ID)
	assert.Equal(t, int64(2), (<-all).ID)
	assert.Equal(t, int64(1), (<-p1).ID)
	select {
	case evt := <-p1:
		t.Fatalf("unexpected event %d for p1", evt.ID)
	default:
	}

	cancelP1()
	cancelP1()
	_, open := <-p1
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus(1, nil)
	ch, cancel := bus.Subscribe("p1")
	defer cancel()
	bus.Publish(domain.Event{ID: 1, ProjectID: "p1"}, domain.Event{ID: 2, ProjectID: "p1"})
	assert.Equal(t, int64(1), (<-ch).ID)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(1, nil)
	ch, cancel := bus.Subscribe("")
	bus.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()
	late, _ := bus.Subscribe("")
	_, open = <-late
	assert.False(t, open)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "shipline.p1.approval_new", Subject("", "p1", ApprovalNew))
	assert.Equal(t, "shipline._.run_status_update", Subject("shipline", "", RunStatusUpdate))
	assert.Equal(t, "x.a_b_c.t", Subject("x", "a.b*c", "t"))
}

func TestNATSPublisherDeliversToSubject(t *testing.T) {
	srv := startTestNATSServer(t)
	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("shipline.p1.>", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	pub, err := ConnectNATS(srv.ClientURL(), nil)
	require.NoError(t, err)
	Fanout{nil, pub}.Publish(
		domain.Event{ID: 7, ProjectID: "p1", Type: FileUpdated, Payload: `{"path":"index.html"}`},
		domain.Event{ID: 8, ProjectID: "p2", Type: FileUpdated},
	)
	require.NoError(t, pub.Conn.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "shipline.p1.file_updated", msg.Subject)
		var evt domain.Event
		require.NoError(t, json.Unmarshal(msg.Data, &evt))
		assert.Equal(t, int64(7), evt.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	select {
	case msg := <-msgs:
		t.Fatalf("unexpected message on %s", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, pub.Close())
}
