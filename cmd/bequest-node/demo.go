package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bequest-labs/bequest/pkg/admin"
	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/crypto"
	"github.com/bequest-labs/bequest/pkg/evidence"
	"github.com/bequest-labs/bequest/pkg/guardian"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/release"
	"github.com/bequest-labs/bequest/pkg/store"
)

// manualClock replaces wall time so the heartbeat window can lapse on
// demand instead of after thirty real days.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recordingExecutor captures release signals instead of delivering
// them anywhere.
type recordingExecutor struct {
	mu      sync.Mutex
	signals []plan.ID
}

func (r *recordingExecutor) Release(_ context.Context, id plan.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, id)
	return nil
}

func (r *recordingExecutor) Signals() []plan.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]plan.ID, len(r.signals))
	copy(out, r.signals)
	return out
}

// demoWorld owns the in-memory engine the walkthrough drives.
type demoWorld struct {
	mu     sync.Mutex
	clock  *manualClock
	trail  *ledger.Ledger
	plans  *store.PlanStore
	voters *guardian.Tracker
	coord  *release.Coordinator
	super  *admin.Service
	packs  *evidence.Builder
	exec   *recordingExecutor
}

func newDemoWorld() (*demoWorld, error) {
	clock := &manualClock{now: time.Now().UTC().Truncate(time.Second)}
	exec := &recordingExecutor{}

	trail := ledger.NewLedger().WithClock(clock.Now)
	backend := store.NewMemoryStore()
	plans := store.NewPlanStore(backend,
		store.WithRecorder(trail),
		store.WithClock(clock.Now),
	)
	coord := release.NewCoordinator(backend, exec,
		release.WithRecorder(trail),
		release.WithClock(clock.Now),
	)
	voters := guardian.NewTracker(backend, coord, guardian.WithRecorder(trail))
	super := admin.NewService(backend, "root", admin.WithRecorder(trail))

	sealer, err := crypto.NewEd25519Sealer()
	if err != nil {
		return nil, err
	}
	packs := evidence.NewBuilder(plans, trail,
		evidence.WithSealer(sealer),
		evidence.WithClock(clock.Now),
	)

	return &demoWorld{
		clock:  clock,
		trail:  trail,
		plans:  plans,
		voters: voters,
		coord:  coord,
		super:  super,
		packs:  packs,
		exec:   exec,
	}, nil
}

// DemoServer serves the walkthrough endpoints.
type DemoServer struct {
	world *demoWorld
}

// RegisterDemoRoutes wires up the demo endpoints.
func RegisterDemoRoutes(mux *http.ServeMux, world *demoWorld) {
	ds := &DemoServer{world: world}

	mux.HandleFunc("/demo", ds.handleDemoUI)
	mux.HandleFunc("/demo/api/run", ds.handleDemoRun)
	mux.HandleFunc("/demo/api/trail", ds.handleDemoTrail)
	mux.HandleFunc("/demo/api/evidence", ds.handleDemoEvidence)
}

type demoStep struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type runResult struct {
	Script   string         `json:"script"`
	PlanID   plan.ID        `json:"plan_id"`
	Steps    []demoStep     `json:"steps"`
	Signals  []plan.ID      `json:"executor_signals"`
	Trail    []ledger.Entry `json:"trail"`
	Verified bool           `json:"chain_verified"`
}

const demoWindowDays = 30

func demoParams() plan.Params {
	return plan.Params{
		Executor:          "estate-counsel",
		Beneficiaries:     []plan.Identity{"heir-primary", "heir-secondary"},
		SharesBps:         []uint32{6000, 4000},
		Guardians:         []plan.Identity{"guardian-ada", "guardian-ben", "guardian-eva"},
		Threshold:         2,
		HeartbeatInterval: demoWindowDays * 86400,
	}
}

// --- /demo/api/run ---

func (ds *DemoServer) handleDemoRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	script := r.URL.Query().Get("script")
	if script == "" {
		script = "timeout"
	}

	// One walkthrough at a time; they share the clock.
	ds.world.mu.Lock()
	defer ds.world.mu.Unlock()

	var (
		result *runResult
		err    error
	)
	switch script {
	case "timeout":
		result, err = ds.runTimeoutScript(r.Context())
	case "guardians":
		result, err = ds.runGuardiansScript(r.Context())
	case "abort":
		result, err = ds.runAbortScript(r.Context())
	default:
		api.WriteBadRequest(w, fmt.Sprintf("unknown script %q; want timeout, guardians, or abort", script))
		return
	}
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	result.Signals = ds.world.exec.Signals()
	result.Trail = ds.world.trail.Select(ledger.Query{PlanID: result.PlanID})
	result.Verified, _ = ds.world.trail.Verify()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// runTimeoutScript walks the silence path: heartbeats stop, the
// window lapses, and a disinterested caller fires the release.
func (ds *DemoServer) runTimeoutScript(ctx context.Context) (*runResult, error) {
	w := ds.world
	result := &runResult{Script: "timeout"}

	p, err := w.plans.Create(ctx, "marguerite", demoParams())
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	result.PlanID = p.ID
	result.Steps = append(result.Steps, demoStep{
		Title: "Plan created",
		Detail: fmt.Sprintf("Plan %d holds marguerite's estate. Every heartbeat buys %d days; the deadline sits at %s.",
			p.ID, demoWindowDays, p.Deadline().Format(time.RFC3339)),
	})

	w.clock.Advance(10 * 24 * time.Hour)
	at, err := w.plans.Heartbeat(ctx, "marguerite", p.ID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Heartbeat on day 10",
		Detail: fmt.Sprintf("Owner checks in at %s. The deadline moves to %s.", at.Format(time.RFC3339), at.Add(demoWindowDays*24*time.Hour).Format(time.RFC3339)),
	})

	w.clock.Advance(15 * 24 * time.Hour)
	early := w.coord.TriggerByTimeout(ctx, "courier-7", p.ID)
	result.Steps = append(result.Steps, demoStep{
		Title:  "Premature check on day 25",
		Detail: fmt.Sprintf("A courier probes the plan while the owner still has time: %v.", early),
	})

	w.clock.Advance((demoWindowDays - 15 + 1) * 24 * time.Hour)
	if err := w.coord.TriggerByTimeout(ctx, "courier-7", p.ID); err != nil {
		return nil, fmt.Errorf("timeout trigger: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Silence breaks the seal",
		Detail: fmt.Sprintf("Day %d: the deadline has passed, so the same courier's check releases plan %d. Anyone could have made this call.", 10+demoWindowDays+1, p.ID),
	})

	pack, err := w.packs.Build(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Evidence sealed",
		Detail: fmt.Sprintf("Pack %s binds the plan, its events, and a signed ledger checkpoint under %s.", pack.ID, pack.ContentHash),
	})

	return result, nil
}

// runGuardiansScript walks the quorum path: the owner is alive, but
// enough guardians attest and the release fires early.
func (ds *DemoServer) runGuardiansScript(ctx context.Context) (*runResult, error) {
	w := ds.world
	result := &runResult{Script: "guardians"}

	p, err := w.plans.Create(ctx, "marguerite", demoParams())
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	result.PlanID = p.ID
	result.Steps = append(result.Steps, demoStep{
		Title:  "Plan created",
		Detail: fmt.Sprintf("Plan %d names three guardians; two of them can release without waiting out the clock.", p.ID),
	})

	w.clock.Advance(24 * time.Hour)
	if _, err := w.plans.Heartbeat(ctx, "marguerite", p.ID); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Owner is alive",
		Detail: "A fresh heartbeat lands on day 1. The timeout path is nowhere near eligible.",
	})

	count, err := w.voters.Approve(ctx, "guardian-ada", p.ID)
	if err != nil {
		return nil, fmt.Errorf("first approval: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "First attestation",
		Detail: fmt.Sprintf("guardian-ada approves: %d of 2 needed. Nothing happens yet.", count),
	})

	if _, err := w.voters.Approve(ctx, "guardian-ada", p.ID); err != nil {
		return nil, fmt.Errorf("repeat approval: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Repeat attestation",
		Detail: "guardian-ada approves again. The vote does not double; the count stays at 1.",
	})

	count, err = w.voters.Approve(ctx, "guardian-eva", p.ID)
	if err != nil {
		return nil, fmt.Errorf("second approval: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Quorum reached",
		Detail: fmt.Sprintf("guardian-eva approves: %d of 2. The threshold fires and the executor is signalled.", count),
	})

	pack, err := w.packs.Build(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Evidence sealed",
		Detail: fmt.Sprintf("Pack %s records the quorum release under %s.", pack.ID, pack.ContentHash),
	})

	return result, nil
}

// runAbortScript walks the administrative kill switch: the owner
// dissolves the plan and no silence or quorum can revive it.
func (ds *DemoServer) runAbortScript(ctx context.Context) (*runResult, error) {
	w := ds.world
	result := &runResult{Script: "abort"}

	p, err := w.plans.Create(ctx, "marguerite", demoParams())
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	result.PlanID = p.ID
	result.Steps = append(result.Steps, demoStep{
		Title:  "Plan created",
		Detail: fmt.Sprintf("Plan %d is live. One guardian will attest before the owner changes their mind.", p.ID),
	})

	count, err := w.voters.Approve(ctx, "guardian-ben", p.ID)
	if err != nil {
		return nil, fmt.Errorf("approval: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "A lone attestation",
		Detail: fmt.Sprintf("guardian-ben approves: %d of 2. Below the threshold, so nothing fires.", count),
	})

	if err := w.super.Abort(ctx, "root", p.ID); err != nil {
		return nil, fmt.Errorf("abort: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Administrator pulls the plug",
		Detail: fmt.Sprintf("Plan %d is dissolved. The executor was never signalled and never will be.", p.ID),
	})

	quorumErr := func() error {
		_, err := w.voters.Approve(ctx, "guardian-eva", p.ID)
		return err
	}()
	result.Steps = append(result.Steps, demoStep{
		Title:  "Quorum arrives too late",
		Detail: fmt.Sprintf("guardian-eva tries to complete the quorum: %v.", quorumErr),
	})

	pack, err := w.packs.Build(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	result.Steps = append(result.Steps, demoStep{
		Title:  "Evidence sealed",
		Detail: fmt.Sprintf("Pack %s records the %s outcome under %s.", pack.ID, pack.Outcome, pack.ContentHash),
	})

	return result, nil
}

// --- /demo/api/trail ---

func (ds *DemoServer) handleDemoTrail(w http.ResponseWriter, r *http.Request) {
	entries := ds.world.trail.Select(ledger.Query{})
	verified, detail := ds.world.trail.Verify()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries":  entries,
		"count":    len(entries),
		"verified": verified,
		"detail":   detail,
		"head":     ds.world.trail.Head(),
	})
}

// --- /demo/api/evidence ---

func (ds *DemoServer) handleDemoEvidence(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("plan")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || id == 0 {
		api.WriteBadRequest(w, "plan query parameter must be a positive integer")
		return
	}

	pack, err := ds.world.packs.Build(r.Context(), plan.ID(id))
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "bequest_evidence_"+idStr+".json"))
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(pack)
}

// --- UI ---

func (ds *DemoServer) handleDemoUI(w http.ResponseWriter, r *http.Request) {
	tmplInput := `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Bequest Hosted Demo</title>
    <style>
        :root { --bg: #0a0a0a; --card: #161616; --text: #ededed; --accent: #0070f3; --border: #333; --success: #4caf50; --fail: #f44336; }
        body { margin: 0 auto; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: var(--bg); color: var(--text); padding: 20px; max-width: 800px; line-height: 1.5; }
        h1 { font-size: 1.5rem; margin-bottom: 0.5rem; }
        .banner { background: #333; color: #fff; padding: 10px; border-radius: 4px; font-size: 0.9rem; margin-bottom: 2rem; border-left: 4px solid var(--accent); }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        button { background: var(--card); border: 1px solid var(--border); color: var(--text); padding: 1rem; border-radius: 6px; cursor: pointer; transition: all 0.2s; font-weight: 500; }
        button:hover { border-color: var(--accent); transform: translateY(-1px); }
        button.primary { background: var(--accent); border-color: var(--accent); color: white; }
        .panel { background: var(--card); border: 1px solid var(--border); border-radius: 6px; padding: 1.5rem; font-size: 0.9rem; min-height: 200px; }
        .step { margin-bottom: 1rem; border-left: 3px solid var(--accent); padding-left: 0.75rem; }
        .step .title { font-weight: bold; }
        .step .detail { color: #aaa; font-family: monospace; font-size: 0.8rem; }
        .ok { color: var(--success); font-weight: bold; }
        .bad { color: var(--fail); font-weight: bold; }
        a { color: var(--accent); text-decoration: none; }
    </style>
</head>
<body>
    <h1>Bequest Hosted Demo</h1>
    <div class="banner">
        <strong>hosted demo</strong> is a safe sandbox: real engine, fake clock, recording executor. Nothing persists across restarts.
    </div>

    <div class="grid">
        <button onclick="run('timeout')">Run the silence path</button>
        <button onclick="run('guardians')">Run the guardian path</button>
        <button onclick="run('abort')">Run the abort path</button>
        <button class="primary" onclick="trail()">Inspect the ledger</button>
    </div>

    <div class="panel" id="display">
        <div style="color: #666; text-align: center; padding-top: 60px;">Run a walkthrough to watch a plan live, lapse, and release.</div>
    </div>

    <script>
        async function run(script) {
            const display = document.getElementById('display');
            display.innerHTML = '<div style="color: #888;">Running ' + script + ' walkthrough...</div>';
            try {
                const res = await fetch('/demo/api/run?script=' + script, { method: 'POST' });
                const data = await res.json();
                let html = '';
                for (const s of data.steps) {
                    html += '<div class="step"><div class="title">' + s.title + '</div><div class="detail">' + s.detail + '</div></div>';
                }
                const cls = data.chain_verified ? 'ok' : 'bad';
                html += '<div>Chain verified: <span class="' + cls + '">' + data.chain_verified + '</span>';
                html += ' &middot; executor signals: ' + JSON.stringify(data.executor_signals);
                html += ' &middot; <a href="/demo/api/evidence?plan=' + data.plan_id + '">download evidence pack</a></div>';
                display.innerHTML = html;
            } catch (e) {
                display.innerHTML = '<div class="bad">Error: ' + e.message + '</div>';
            }
        }

        async function trail() {
            const display = document.getElementById('display');
            try {
                const res = await fetch('/demo/api/trail');
                const data = await res.json();
                const cls = data.verified ? 'ok' : 'bad';
                let html = '<div>' + data.count + ' entries &middot; verified: <span class="' + cls + '">' + data.verified + '</span> &middot; head ' + data.head.substring(0, 24) + '...</div>';
                html += '<pre style="white-space: pre-wrap; color: #aaa; font-size: 0.75rem;">' + JSON.stringify(data.entries, null, 2) + '</pre>';
                display.innerHTML = html;
            } catch (e) {
                display.innerHTML = '<div class="bad">Error: ' + e.message + '</div>';
            }
        }
    </script>
</body>
</html>
`
	t, err := template.New("demo").Parse(tmplInput)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	_ = t.Execute(w, nil)
}
