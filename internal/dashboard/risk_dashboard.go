// Package dashboard provides a read-only, real-time view of the risk engine's live
// state: per-account positions, lockouts, cooldowns, and daily P&L, streamed over
// WebSocket and served as a REST endpoint and an HTML page.
//
// There is deliberately no mutation endpoint here — no manual unlock, no position
// override. A lockout releases only by timer, account flag, or never; the dashboard can
// only show that state, never change it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/engine"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/pnl"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PositionView is the dashboard's JSON shape for one open position.
type PositionView struct {
	Symbol       string  `json:"symbol"`
	Size         int64   `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}

// LockoutView is the dashboard's JSON shape for one active lockout.
type LockoutView struct {
	RuleID   string `json:"ruleId"`
	Scope    string `json:"scope"`
	Reason   string `json:"reason"`
	Release  string `json:"release"`
	LockedAt string `json:"lockedAt"`
}

// CooldownView is the dashboard's JSON shape for one active cooldown timer.
type CooldownView struct {
	Tag       string `json:"tag"`
	ExpiresAt string `json:"expiresAt"`
}

// AccountView is the full live state the dashboard reports for one account.
type AccountView struct {
	AccountID       string         `json:"accountId"`
	CanTrade        bool           `json:"canTrade"`
	DailyRealized   float64        `json:"dailyRealizedPnl"`
	Positions       []PositionView `json:"positions"`
	ActiveLockouts  []LockoutView  `json:"activeLockouts"`
	ActiveCooldowns []CooldownView `json:"activeCooldowns"`
}

// Snapshot is what gets marshaled to clients: every account the engine currently knows
// about, as of Timestamp.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Accounts  []AccountView `json:"accounts"`
}

// RiskDashboard serves a read-only view over the engine's live account state.
type RiskDashboard struct {
	engine   *engine.Engine
	lockouts *lockout.Manager
	timers   *timer.Manager
	pnl      *pnl.Tracker
	clockSrc  clock.Clock
	resetLoc  *time.Location
	resetTime string

	server           *http.Server
	upgrader         websocket.Upgrader
	clients          map[*websocket.Conn]bool
	clientsMu        sync.RWMutex
	broadcastChannel chan Snapshot
	stopChannel      chan struct{}
	isRunning        bool
	mu               sync.RWMutex
}

// Deps bundles the read-only sources the dashboard pulls state from.
type Deps struct {
	Engine   *engine.Engine
	Lockouts *lockout.Manager
	Timers   *timer.Manager
	PnL      *pnl.Tracker
	Clock     clock.Clock
	ResetLoc  *time.Location
	ResetTime string
}

// New creates a risk dashboard bound to the given port, wiring up HTTP routes and
// WebSocket handling. The server is not started until Start is called.
func New(d Deps, port int) *RiskDashboard {
	rd := &RiskDashboard{
		engine:           d.Engine,
		lockouts:         d.Lockouts,
		timers:           d.Timers,
		pnl:              d.PnL,
		clockSrc:         d.Clock,
		resetLoc:         d.ResetLoc,
		resetTime:        d.ResetTime,
		upgrader:         websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:          make(map[*websocket.Conn]bool),
		broadcastChannel: make(chan Snapshot, 100),
		stopChannel:      make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", rd.handleDashboard).Methods("GET")
	r.HandleFunc("/api/accounts", rd.handleAccountsAPI).Methods("GET")
	r.HandleFunc("/ws", rd.handleWebSocket).Methods("GET")

	rd.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return rd
}

// Start begins serving the dashboard and broadcasting snapshots to connected clients.
func (rd *RiskDashboard) Start() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.isRunning {
		return fmt.Errorf("risk dashboard is already running")
	}

	go rd.snapshotCollector()
	go rd.clientBroadcaster()
	go func() {
		log.Info().Str("address", rd.server.Addr).Msg("starting risk dashboard server")
		if err := rd.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("risk dashboard server failed")
		}
	}()

	rd.isRunning = true
	return nil
}

// Stop shuts down the dashboard server and closes all WebSocket connections.
func (rd *RiskDashboard) Stop() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if !rd.isRunning {
		return nil
	}
	close(rd.stopChannel)

	rd.clientsMu.Lock()
	for client := range rd.clients {
		client.Close()
	}
	rd.clients = make(map[*websocket.Conn]bool)
	rd.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rd.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown risk dashboard server")
		return err
	}

	rd.isRunning = false
	log.Info().Msg("risk dashboard stopped")
	return nil
}

// snapshotCollector gathers live state every second and broadcasts it to clients.
func (rd *RiskDashboard) snapshotCollector() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := rd.collect()
			select {
			case rd.broadcastChannel <- snap:
			default:
			}
		case <-rd.stopChannel:
			return
		}
	}
}

func (rd *RiskDashboard) clientBroadcaster() {
	for {
		select {
		case snap := <-rd.broadcastChannel:
			rd.broadcastToClients(snap)
		case <-rd.stopChannel:
			return
		}
	}
}

// collect reads the engine's live account list and, for each, its current positions,
// lockouts, cooldowns, and daily realized P&L. All reads are snapshots — nothing here
// can mutate engine state.
func (rd *RiskDashboard) collect() Snapshot {
	now := rd.clockSrc.NowUTC()
	accounts := rd.engine.Accounts()
	out := Snapshot{Timestamp: now, Accounts: make([]AccountView, 0, len(accounts))}

	for _, acc := range accounts {
		snap, ok := rd.engine.Snapshot(acc)
		if !ok {
			continue
		}

		positions := make([]PositionView, 0, len(snap.Positions))
		for sym, pos := range snap.Positions {
			avg, _ := pos.AveragePrice.Float64()
			positions = append(positions, PositionView{Symbol: string(sym), Size: pos.Size, AveragePrice: avg})
		}

		lockoutViews := make([]LockoutView, 0)
		for _, l := range rd.lockouts.AllFor(acc) {
			lockoutViews = append(lockoutViews, LockoutView{
				RuleID: l.RuleID, Scope: l.Scope.String(), Reason: l.Reason,
				Release: string(l.Release.Kind), LockedAt: l.LockedAt.Format(time.RFC3339),
			})
		}

		cooldownViews := make([]CooldownView, 0)
		for _, t := range rd.timers.AllFor(acc, now) {
			cooldownViews = append(cooldownViews, CooldownView{Tag: t.Tag, ExpiresAt: t.ExpiresAt.Format(time.RFC3339)})
		}

		dateKey := clock.DateKey(now, rd.resetLoc, rd.resetTime)
		realized, err := rd.pnl.GetDaily(acc, dateKey)
		if err != nil {
			log.Error().Err(err).Str("account", string(acc)).Msg("dashboard: failed to read daily pnl")
		}
		dailyRealized, _ := realized.Float64()

		out.Accounts = append(out.Accounts, AccountView{
			AccountID: string(acc), CanTrade: snap.Flags.CanTrade, DailyRealized: dailyRealized,
			Positions: positions, ActiveLockouts: lockoutViews, ActiveCooldowns: cooldownViews,
		})
	}
	return out
}

func (rd *RiskDashboard) broadcastToClients(snap Snapshot) {
	rd.clientsMu.RLock()
	defer rd.clientsMu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot for broadcast")
		return
	}
	for client := range rd.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Msg("failed to send message to websocket client")
			client.Close()
			delete(rd.clients, client)
		}
	}
}

func (rd *RiskDashboard) handleDashboard(w http.ResponseWriter, r *http.Request) {
	t, err := template.New("dashboard").Parse(dashboardHTML)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	t.Execute(w, nil)
}

func (rd *RiskDashboard) handleAccountsAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rd.collect())
}

func (rd *RiskDashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	rd.clientsMu.Lock()
	rd.clients[conn] = true
	rd.clientsMu.Unlock()

	if data, err := json.Marshal(rd.collect()); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	rd.clientsMu.Lock()
	delete(rd.clients, conn)
	rd.clientsMu.Unlock()
}

const dashboardHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>RiskGuard - Account Monitor</title>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 1400px; margin: 0 auto; }
        .header { background: linear-gradient(135deg, #1f2937 0%, #374151 100%); color: white; padding: 20px; border-radius: 10px; margin-bottom: 20px; }
        .header h1 { margin: 0; font-size: 2em; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(340px, 1fr)); gap: 20px; }
        .card { background: white; border-radius: 10px; padding: 20px; box-shadow: 0 4px 6px rgba(0,0,0,0.1); }
        .card h3 { margin-top: 0; color: #333; border-bottom: 2px solid #eee; padding-bottom: 10px; }
        .metric { display: flex; justify-content: space-between; padding: 4px 0; }
        .status-dot { display: inline-block; width: 10px; height: 10px; border-radius: 50%; margin-right: 6px; }
        .status-ok { background-color: #28a745; }
        .status-locked { background-color: #dc3545; }
        table { width: 100%; border-collapse: collapse; margin-top: 8px; }
        th, td { text-align: left; padding: 4px; border-bottom: 1px solid #eee; font-size: 0.9em; }
        .positive { color: #28a745; }
        .negative { color: #dc3545; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h1>RiskGuard Account Monitor</h1></div>
        <div id="accounts" class="grid"></div>
    </div>
    <script>
        const ws = new WebSocket('ws://' + location.host + '/ws');
        ws.onmessage = function(event) { render(JSON.parse(event.data)); };
        ws.onclose = function() { setTimeout(() => location.reload(), 5000); };

        function render(snap) {
            const root = document.getElementById('accounts');
            root.innerHTML = '';
            for (const a of (snap.accounts || [])) {
                const card = document.createElement('div');
                card.className = 'card';
                const locked = a.activeLockouts.length > 0;
                const pnlClass = a.dailyRealizedPnl >= 0 ? 'positive' : 'negative';
                let positionRows = a.positions.map(p =>
                    '<tr><td>' + p.symbol + '</td><td>' + p.size + '</td><td>' + p.averagePrice.toFixed(2) + '</td></tr>'
                ).join('');
                let lockoutRows = a.activeLockouts.map(l =>
                    '<tr><td>' + l.ruleId + '</td><td>' + l.scope + '</td><td>' + l.release + '</td></tr>'
                ).join('');
                card.innerHTML =
                    '<h3>' + a.accountId + '</h3>' +
                    '<div class="metric"><span><span class="status-dot ' + (locked ? 'status-locked' : 'status-ok') + '"></span>' +
                        (locked ? 'Locked' : 'Trading') + '</span>' +
                        '<span class="' + pnlClass + '">' + a.dailyRealizedPnl.toFixed(2) + '</span></div>' +
                    '<table><thead><tr><th>Symbol</th><th>Size</th><th>Avg</th></tr></thead><tbody>' +
                        (positionRows || '<tr><td colspan="3">No open positions</td></tr>') + '</tbody></table>' +
                    (lockoutRows ? '<table><thead><tr><th>Rule</th><th>Scope</th><th>Release</th></tr></thead><tbody>' + lockoutRows + '</tbody></table>' : '');
                root.appendChild(card);
            }
        }
    </script>
</body>
</html>
`
