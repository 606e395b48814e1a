package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TradeWarden/internal/observability/metrics"
	"TradeWarden/internal/redistribute"
	"TradeWarden/internal/session"
)

// SessionSource 提供只读的会话状态视图。
type SessionSource interface {
	Current() *session.Session
	Offset() time.Duration
}

// Server 负责暴露只读的运维 REST 接口。
type Server struct {
	addr     string
	store    redistribute.Store
	sessions SessionSource
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, store redistribute.Store, sessions SessionSource) *Server {
	return &Server{addr: addr, store: store, sessions: sessions}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", instrument("healthz", s.handleHealth))
	mux.HandleFunc("/api/v1/batches", instrument("batches", s.handleBatches))
	mux.HandleFunc("/api/v1/batches/stats", instrument("batch_stats", s.handleBatchStats))
	mux.HandleFunc("/api/v1/batches/", instrument("batch_detail", s.handleBatchDetail))
	mux.HandleFunc("/api/v1/session", instrument("session", s.handleSession))
	mux.Handle("/metrics", metrics.Handler())

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{"status": "ok"}
	if s.sessions != nil {
		if current := s.sessions.Current(); current != nil {
			payload["authenticated"] = current.Authenticated && !current.Expired
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "批次存储未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := parseListOptions(r)
	batches, err := s.store.List(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleBatchStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "批次存储未初始化", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.store.Stats(r.Context(), parseListOptions(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleBatchDetail 处理单个批次的查询请求。
func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "批次存储未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/batches/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少批次 ID", http.StatusBadRequest)
		return
	}

	batch, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, redistribute.ErrBatchNotFound) {
			http.Error(w, "批次不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		http.Error(w, "会话管理器未初始化", http.StatusServiceUnavailable)
		return
	}

	current := s.sessions.Current()
	if current == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	// 不暴露凭据本身，只给出状态。
	writeJSON(w, http.StatusOK, map[string]any{
		"account_name":    current.AccountName,
		"identity":        current.Identity,
		"authenticated":   current.Authenticated,
		"expired":         current.Expired,
		"clock_offset_ms": s.sessions.Offset().Milliseconds(),
	})
}

func parseListOptions(r *http.Request) redistribute.ListOptions {
	var listOpts []redistribute.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			listOpts = append(listOpts, redistribute.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			listOpts = append(listOpts, redistribute.WithOffset(parsed))
		}
	}
	if states := query["state"]; len(states) > 0 {
		converted := make([]redistribute.State, 0, len(states))
		for _, state := range states {
			converted = append(converted, redistribute.State(state))
		}
		listOpts = append(listOpts, redistribute.WithStates(converted...))
	}
	if raw := query.Get("order"); raw == "asc" {
		listOpts = append(listOpts, redistribute.WithSortOrder(redistribute.SortByUpdatedAsc))
	}
	if raw := query.Get("q"); raw != "" {
		listOpts = append(listOpts, redistribute.WithQuery(raw))
	}

	return redistribute.BuildListOptions(listOpts)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 记录写出的状态码供指标采集。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理器附加请求指标采集。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
