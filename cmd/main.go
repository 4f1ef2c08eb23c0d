package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jmgilman/go/fs/billy"

	offline "github.com/krisalay/offline-cache"
	"github.com/krisalay/offline-cache/config"
	"github.com/krisalay/offline-cache/queue"
	"github.com/krisalay/offline-cache/syncengine"
	"github.com/krisalay/offline-cache/types"
)

// ================= REMOTE SERVICE =================

type Server struct {
	mu        sync.Mutex
	reminders []json.RawMessage
	nextID    int
}

func (s *Server) Do(ctx context.Context, req types.Request) (types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Println("SERVER → ", req.Method, req.URL)

	switch {
	case req.Method == http.MethodGet && req.URL == syncengine.PathReminders:
		body, _ := json.Marshal(s.reminders)
		return types.Response{Status: 200, Body: body}, nil
	case req.Method == http.MethodGet && req.URL == syncengine.PathScans:
		return types.Response{Status: 200, Body: json.RawMessage(`[]`)}, nil
	case req.Method == http.MethodPost && req.URL == syncengine.PathReminders:
		s.nextID++
		id := fmt.Sprintf("srv-%d", s.nextID)
		s.reminders = append(s.reminders, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
		return types.Response{Status: 201, Body: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}, nil
	case req.Method == http.MethodGet && req.URL == "/profile":
		return types.Response{Status: 200, Body: json.RawMessage(`{"name":"ada"}`)}, nil
	case req.Method == http.MethodPost && req.URL == "/reminders/broken/taken":
		return types.Response{Status: 500}, nil
	}
	return types.Response{Status: 204}, nil
}

// ================= METRICS =================

type Metrics struct {
	mu         sync.Mutex
	hits       int
	misses     int
	evictions  int
	expired    int
	promotions int
}

func (m *Metrics) Hit()      { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *Metrics) Miss()     { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *Metrics) Eviction() { m.mu.Lock(); m.evictions++; m.mu.Unlock() }
func (m *Metrics) Expire()   { m.mu.Lock(); m.expired++; m.mu.Unlock() }
func (m *Metrics) Promote()  { m.mu.Lock(); m.promotions++; m.mu.Unlock() }

func (m *Metrics) Print() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Println("\n==================== METRICS ====================")
	fmt.Printf("HITS       : %d\n", m.hits)
	fmt.Printf("MISSES     : %d\n", m.misses)
	fmt.Printf("EVICTIONS  : %d\n", m.evictions)
	fmt.Printf("EXPIRED    : %d\n", m.expired)
	fmt.Printf("PROMOTIONS : %d\n", m.promotions)
}

// ================= MAIN =================

func main() {
	ctx := context.Background()

	fmt.Println("\n==================== SYSTEM BOOT ====================")

	cfg := config.Default()
	cfg.Root = "/demo"
	cfg.Sync.SettleDelay = config.Duration(200 * time.Millisecond)
	fmt.Println("VOLATILE   :", cfg.Volatile.MaxEntries, "entries")
	fmt.Println("DURABLE    :", cfg.QuotaBytes, "bytes quota")
	fmt.Println("RETRIES    :", cfg.Sync.MaxRetries)

	metrics := &Metrics{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	server := &Server{}

	layer, err := offline.New(cfg, server,
		offline.WithFS(billy.NewMemory()),
		offline.WithMetrics(metrics),
		offline.WithLogger(logger),
	)
	if err != nil {
		fmt.Println("BOOT FAILED:", err)
		os.Exit(1)
	}
	layer.OnDiscard(func(d syncengine.Discard) {
		fmt.Printf("APP    → discarded %s for %q: %v\n", d.Action.Type, d.EntityID(), d.Reason)
	})
	layer.OnTransition(func(online bool) {
		fmt.Println("NET    → online =", online)
	})
	if err := layer.Start(ctx); err != nil {
		fmt.Println("START FAILED:", err)
		os.Exit(1)
	}

	// ====================================================
	fmt.Println("\n==================== 1) CACHED FETCH ====================")
	profile := types.Request{Method: http.MethodGet, URL: "/profile"}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			body, _ := layer.CachedFetch(ctx, profile)
			fmt.Printf("GOROUTINE-%d → GET /profile = %s\n", id, body)
		}(i)
	}
	wg.Wait()

	// ====================================================
	fmt.Println("\n==================== 2) OFFLINE WRITES ====================")
	a, _ := layer.Enqueue(ctx, queue.CreateReminder, json.RawMessage(`{"localId":"tmp-1","name":"aspirin"}`))
	fmt.Println("QUEUE  → enqueued", a.Type, "id", a.ID)
	a, _ = layer.Enqueue(ctx, queue.MarkTaken, json.RawMessage(`{"reminderId":"tmp-1"}`))
	fmt.Println("QUEUE  → enqueued", a.Type, "id", a.ID)
	a, _ = layer.Enqueue(ctx, queue.MarkTaken, json.RawMessage(`{"reminderId":"broken"}`))
	fmt.Println("QUEUE  → enqueued", a.Type, "id", a.ID)
	fmt.Println("STATUS → queue length", layer.Status().QueueLength)

	// ====================================================
	fmt.Println("\n==================== 3) RECONNECT ====================")
	layer.SetOnline(true)
	time.Sleep(500 * time.Millisecond)
	fmt.Println("STATUS → queue length", layer.Status().QueueLength)

	// ====================================================
	fmt.Println("\n==================== 4) RETRIES ====================")
	for i := 0; i < 2; i++ {
		rep, _ := layer.Sync(ctx)
		fmt.Printf("SYNC   → attempted %d, failed %d, discarded %d\n", rep.Attempted, rep.Failed, rep.Discarded)
	}

	// ====================================================
	fmt.Println("\n==================== 5) MIRRORS ====================")
	for _, r := range layer.Reminders(ctx) {
		fmt.Println("MIRROR → reminder", string(r))
	}

	// ====================================================
	metrics.Print()
	st := layer.Status()
	fmt.Println("\nLAST SYNC  :", st.LastSync.Format(time.RFC3339))
	fmt.Println("DURABLE    :", st.Durable.Items, "items,", st.Durable.Bytes, "bytes")

	// ====================================================
	fmt.Println("\n==================== SHUTDOWN ====================")
	if err := layer.Close(); err != nil {
		fmt.Println("SHUTDOWN ERROR:", err)
	}
	fmt.Println("SYSTEM → layer closed cleanly")
}
