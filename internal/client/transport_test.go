package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/models"
	"collab-canvas/internal/services/collaboration"
	"collab-canvas/internal/services/oplog"
	"collab-canvas/internal/services/registry"
)

type peer struct {
	conn    *Conn
	rec     *Reconciler
	surface *RecordingSurface

	mu   sync.Mutex
	seen []models.MessageType
	done chan error
}

func (p *peer) saw(t models.MessageType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.seen {
		if s == t {
			return true
		}
	}
	return false
}

func startRelay(t *testing.T) string {
	t.Helper()
	relay := collaboration.NewRelay(registry.New(time.Minute), oplog.New(100), collaboration.Options{})
	srv := httptest.NewServer(http.HandlerFunc(collaboration.NewWebSocketHandler(relay, "*").HandleConnection))
	t.Cleanup(func() {
		relay.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, ctx context.Context, url, room, name string) *peer {
	t.Helper()
	conn, err := Dial(ctx, url, "")
	require.NoError(t, err)

	p := &peer{conn: conn, surface: NewRecordingSurface(), done: make(chan error, 1)}
	p.rec = NewReconciler(p.surface, conn)
	go func() {
		p.done <- conn.Run(ctx, p.rec, func(env models.Envelope) {
			p.mu.Lock()
			p.seen = append(p.seen, env.Type)
			p.mu.Unlock()
		})
	}()

	require.NoError(t, p.rec.Join(room, name))
	require.Eventually(t, func() bool { return p.saw(models.MessageRoomState) }, 2*time.Second, 10*time.Millisecond)
	return p
}

func TestTwoClientsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := startRelay(t)

	alice := connect(t, ctx, url, "r1", "alice")
	bob := connect(t, ctx, url, "r1", "bob")

	alice.rec.PointerDown(models.Point{X: 1, Y: 1})
	alice.rec.PointerMove(models.Point{X: 5, Y: 5})
	stroke, ok, err := alice.rec.PointerUp()
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return len(bob.rec.Operations()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, stroke.ID, bob.rec.Operations()[0].ID)
	assert.Equal(t, "alice", bob.rec.Operations()[0].Username)

	// Bob undoes alice's stroke; both replicas drop it.
	require.NoError(t, bob.rec.RequestUndo())
	require.Eventually(t, func() bool {
		return len(alice.rec.Operations()) == 0 && len(bob.rec.Operations()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.rec.RequestRedo())
	require.Eventually(t, func() bool {
		return len(alice.rec.Operations()) == 1 && len(bob.rec.Operations()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A late joiner is hydrated from room-state.
	carol := connect(t, ctx, url, "r1", "carol")
	assert.Equal(t, []string{stroke.ID}, ids(carol.rec.Operations()))
	assert.Len(t, carol.rec.Users(), 3)

	require.NoError(t, carol.conn.Close())
	require.Eventually(t, func() bool {
		return len(alice.rec.Users()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	for _, p := range []*peer{alice, bob, carol} {
		select {
		case err := <-p.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("client read loop did not stop")
		}
	}
}

func TestDialRejectedOrigin(t *testing.T) {
	relay := collaboration.NewRelay(registry.New(time.Minute), oplog.New(10), collaboration.Options{})
	srv := httptest.NewServer(http.HandlerFunc(collaboration.NewWebSocketHandler(relay, "http://good.example").HandleConnection))
	defer srv.Close()
	defer relay.Shutdown()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "http://evil.example")
	assert.Error(t, err)
}
