// README: Benchmark cases; environment, migration, HTTP API and report throughput checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	benchTask = "bench-task"
	geoKey    = "location:geo"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

// token returns the i-th configured ID token, or "" when not configured.
func (r *Runner) token(i int) string {
	if i < len(r.cfg.Tokens) {
		return r.cfg.Tokens[i]
	}
	return ""
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Task: enroll bench participant",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				if r.cfg.UID == "" {
					return Result{Status: statusSkip, Note: "no -uid; tracking cases expect existing membership"}
				}
				_, err := r.db.Exec(ctx, `
                    INSERT INTO task_participants (task_id, participant_id, role)
                    VALUES ($1, $2, 'worker')
                    ON CONFLICT (task_id, participant_id) DO NOTHING`, benchTask, r.cfg.UID)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},

		httpCase("API: health", http.MethodGet, base+"/health", -1, nil, http.StatusOK),
		httpCase("API: missing token -> 401", http.MethodGet, base+"/api/privacy/settings", -1, nil, http.StatusUnauthorized),

		httpCase("Privacy: read own settings", http.MethodGet, base+"/api/privacy/settings", 0, nil, http.StatusOK),
		httpCase("Privacy: invalid precision -> 400", http.MethodPatch, base+"/api/privacy/settings", 0,
			map[string]any{"precision_level": "street"}, http.StatusBadRequest),

		httpCase("Location: report", http.MethodPost, base+"/api/location/report", 0,
			map[string]any{"latitude": 25.033, "longitude": 121.565, "accuracy_meters": 8}, http.StatusOK),
		httpCase("Location: invalid coords -> 400", http.MethodPost, base+"/api/location/report", 0,
			map[string]any{"latitude": 123.0, "longitude": 456.0}, http.StatusBadRequest),
		httpCase("Location: missing latitude -> 400", http.MethodPost, base+"/api/location/report", 0,
			map[string]any{"longitude": 121.565}, http.StatusBadRequest),
		{
			Name: "Location: cached in Redis GEO",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				n, err := r.redis.ZCard(ctx, geoKey).Result()
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if n == 0 {
					return Result{Status: statusFail, Note: "no members in " + geoKey}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("members=%d", n)}
			},
		},
		httpCase("Location: nearby as watcher", http.MethodGet, base+"/api/location/nearby?radius_m=2000", 1, nil,
			http.StatusOK, http.StatusNotFound),

		httpCase("Geofence: create pickup circle", http.MethodPost, base+"/api/tasks/"+benchTask+"/geofences", 0,
			map[string]any{
				"kind": "pickup",
				"geometry": map[string]any{
					"shape":         "circle",
					"center":        map[string]any{"latitude": 25.033, "longitude": 121.565},
					"radius_meters": 80,
				},
			}, http.StatusCreated),
		httpCase("Geofence: invalid polygon -> 400", http.MethodPost, base+"/api/tasks/"+benchTask+"/geofences", 0,
			map[string]any{"kind": "pickup", "geometry": map[string]any{"shape": "polygon"}}, http.StatusBadRequest),
		httpCase("Geofence: list", http.MethodGet, base+"/api/tasks/"+benchTask+"/geofences", 0, nil, http.StatusOK),

		httpCase("Tracking: start", http.MethodPost, base+"/api/tasks/"+benchTask+"/tracking/start", 0, nil, http.StatusOK),
		httpCase("Tracking: report inside pickup", http.MethodPost, base+"/api/location/report", 0,
			map[string]any{"latitude": 25.0331, "longitude": 121.5651, "task_id": benchTask}, http.StatusOK),
		httpCase("Tracking: report outside pickup", http.MethodPost, base+"/api/location/report", 0,
			map[string]any{"latitude": 25.0478, "longitude": 121.5318, "task_id": benchTask}, http.StatusOK),
		httpCase("Tracking: stop", http.MethodPost, base+"/api/tasks/"+benchTask+"/tracking/stop", 0, nil, http.StatusOK),
		{
			Name: "Tracking: own route has points",
			Run: func(ctx context.Context, r *Runner) Result {
				return routeCheck(ctx, r, base)
			},
		},
		httpCase("Geofence: events", http.MethodGet, base+"/api/tasks/"+benchTask+"/geofence-events", 0, nil, http.StatusOK),

		httpCase("Emergency: missing reason -> 400", http.MethodPost, base+"/api/emergency/someone/location", 1,
			map[string]any{}, http.StatusBadRequest),

		{
			Name: "Concurrency: parallel reports never 5xx",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentReports(ctx, r, base+"/api/location/report")
			},
		},
		{
			Name: "Perf: report throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, base+"/api/location/report", map[string]any{
					"latitude":  25.033,
					"longitude": 121.565,
				})
			},
		},
	}
}

// httpCase sends body as the participant with token index tok (-1 for no
// token) and passes on any of okStatuses.
func httpCase(name, method, url string, tok int, body any, okStatuses ...int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			token := ""
			if tok >= 0 {
				if token = r.token(tok); token == "" {
					return Result{Status: statusSkip, Note: fmt.Sprintf("needs %d token(s)", tok+1)}
				}
			}
			start := time.Now()
			status, _, err := r.send(ctx, method, url, token, body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			latency := time.Since(start)
			if contains(okStatuses, status) {
				return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
			}
			return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
		},
	}
}

func (r *Runner) send(ctx context.Context, method, url, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func routeCheck(ctx context.Context, r *Runner, base string) Result {
	token := r.token(0)
	if token == "" || r.cfg.UID == "" {
		return Result{Status: statusSkip, Note: "needs a token and -uid"}
	}
	start := time.Now()
	status, body, err := r.send(ctx, http.MethodGet, base+"/api/tasks/"+benchTask+"/route/"+r.cfg.UID, token, nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	latency := time.Since(start)
	var route struct {
		Points []json.RawMessage `json:"points"`
	}
	if status != http.StatusOK || json.Unmarshal(body, &route) != nil {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	if len(route.Points) < 2 {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("points=%d", len(route.Points))}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("points=%d", len(route.Points))}
}

func concurrentReports(ctx context.Context, r *Runner, url string) Result {
	token := r.token(0)
	if token == "" {
		return Result{Status: statusSkip, Note: "needs 1 token(s)"}
	}
	var ok, limited, failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, err := r.send(ctx, http.MethodPost, url, token, map[string]any{
				"latitude":  25.033 + float64(i)*1e-5,
				"longitude": 121.565,
			})
			switch {
			case err != nil || status >= 500:
				failed.Add(1)
			case status == http.StatusTooManyRequests:
				limited.Add(1)
			case status == http.StatusOK:
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("ok=%d limited=%d failed=%d", ok.Load(), limited.Load(), failed.Load())
	if failed.Load() > 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, url string, payload any) Result {
	if len(r.cfg.Tokens) == 0 {
		return Result{Status: statusSkip, Note: "needs 1 token(s)"}
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, limited, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		token := r.cfg.Tokens[i%len(r.cfg.Tokens)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.send(ctx, http.MethodPost, url, token, payload)
				switch {
				case err != nil || status >= 500:
					errCount.Add(1)
				case status == http.StatusTooManyRequests:
					limited.Add(1)
				default:
					count.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no reports accepted"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("accepted_rps=%.1f limited=%d errors=%d", rps, limited.Load(), errCount.Load())}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
