package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
	"github.com/cutemonstersnft/solanapay-compression/integrations/exports"
	"github.com/cutemonstersnft/solanapay-compression/observability"
)

const maxRequestBody = 16 << 10

// Assembler builds the merchant-signed envelope for a transaction request.
type Assembler interface {
	Assemble(ctx context.Context, req core.CheckoutRequest) (*core.Assembly, error)
}

// ServerConfig holds the merchant-facing presentation values.
type ServerConfig struct {
	Label     string
	Icon      string
	PublicURL string
	// WebsocketOrigins restricts browser origins for the session stream.
	WebsocketOrigins []string
}

// Server exposes the Solana Pay transaction request and checkout sessions.
type Server struct {
	cfg       ServerConfig
	assembler Assembler
	sessions  *Manager
	store     *Store
	logger    *slog.Logger
	metrics   *observability.CheckoutMetrics
	router    chi.Router
	nowFn     func() time.Time
}

// ServerDeps are the optional middlewares mounted around the routes.
type ServerDeps struct {
	CORS          func(http.Handler) http.Handler
	Observability *middleware.Observability
	RateLimiter   *middleware.RateLimiter
	Admin         *middleware.Authenticator
}

// NewServer wires routes.
func NewServer(cfg ServerConfig, assembler Assembler, sessions *Manager, store *Store, deps ServerDeps, logger *slog.Logger) *Server {
	if assembler == nil {
		panic("assembler required")
	}
	if sessions == nil || store == nil {
		panic("session manager and store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		assembler: assembler,
		sessions:  sessions,
		store:     store,
		logger:    logger,
		metrics:   observability.Checkout(),
		nowFn:     time.Now,
	}
	limit := func(key string) func(http.Handler) http.Handler {
		if deps.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return deps.RateLimiter.Middleware(key)
	}

	r := chi.NewRouter()
	if deps.Observability != nil {
		r.Use(deps.Observability.Middleware)
	}
	if deps.CORS != nil {
		r.Use(deps.CORS)
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/pay", s.handlePayMetadata)
	r.With(limit("pay")).Post("/pay", s.handlePay)
	r.Route("/sessions", func(r chi.Router) {
		r.With(limit("sessions")).Post("/", s.handleSessionCreate)
		if deps.Admin != nil {
			r.With(deps.Admin.Middleware).Get("/export", s.handleExport)
		}
		r.Get("/{reference}", s.handleSessionGet)
		r.Delete("/{reference}", s.handleSessionCancel)
		r.Get("/{reference}/ws", s.handleSessionStream)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type payMetadata struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

type payRequest struct {
	Account string `json:"account"`
}

type payResponse struct {
	Transaction string `json:"transaction"`
	Message     string `json:"message,omitempty"`
}

type sessionCreateRequest struct {
	Amount string `json:"amount"`
}

type sessionResponse struct {
	Session
	URL string `json:"url,omitempty"`
}

func (s *Server) handlePayMetadata(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, payMetadata{Label: s.cfg.Label, Icon: s.cfg.Icon})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	start := s.nowFn()
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: read body: %v", types.ErrInvalidInput, err), nil)
		return
	}
	var req payRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: invalid JSON payload: %v", types.ErrInvalidInput, err), body)
		return
	}
	if strings.TrimSpace(req.Account) == "" {
		s.fail(w, r, fmt.Errorf("%w: %w", types.ErrInvalidInput, types.ErrMissingAccount), body)
		return
	}
	payer, err := types.ParseAddress("account", req.Account)
	if err != nil {
		s.fail(w, r, err, body)
		return
	}
	query := r.URL.Query()
	amount, err := core.ParseAmount(query.Get("amount"))
	if err != nil {
		s.fail(w, r, err, body)
		return
	}
	ref, err := types.ParseReference(query.Get("reference"))
	if err != nil {
		s.fail(w, r, err, body)
		return
	}

	if err := s.sessions.AttachPayer(r.Context(), ref, amount, payer.String()); err != nil {
		s.fail(w, r, err, body)
		return
	}
	assembly, err := s.assembler.Assemble(r.Context(), core.CheckoutRequest{Payer: payer, Amount: amount, Reference: ref})
	if err != nil {
		s.fail(w, r, err, body)
		return
	}
	if err := s.sessions.RecordReward(r.Context(), ref, assembly.RewardOutcome); err != nil {
		s.logger.Warn("record session reward", "reference", ref.String(), "error", err)
	}
	s.metrics.RecordEnvelope(assembly.RewardOutcome, s.nowFn().Sub(start))
	s.logger.Info("transaction request served",
		"reference", ref.String(),
		"amount", core.FormatAmount(amount),
		"reward", assembly.RewardOutcome,
		"instructions", assembly.Envelope.InstructionCount())
	s.respond(w, r, http.StatusOK, payResponse{Transaction: assembly.Envelope.Base64(), Message: assembly.Message}, body)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: read body: %v", types.ErrInvalidInput, err), nil)
		return
	}
	var req sessionCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: invalid JSON payload: %v", types.ErrInvalidInput, err), body)
		return
	}
	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, err, body)
		return
	}
	sess, err := s.sessions.Start(r.Context(), core.FormatAmount(amount))
	if err != nil {
		s.fail(w, r, err, body)
		return
	}
	ref, _ := types.ParseReference(sess.Reference)
	link, err := core.TransactionRequestURL(s.cfg.PublicURL, amount, ref)
	if err != nil {
		s.fail(w, r, err, body)
		return
	}
	s.respond(w, r, http.StatusCreated, sessionResponse{Session: sess, URL: link}, body)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.reference(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(r.Context(), ref)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.reference(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Cancel(r.Context(), ref)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, sessionResponse{Session: sess}, nil)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	state := SessionState(strings.TrimSpace(r.URL.Query().Get("state")))
	sessions, err := s.store.ListSessions(r.Context(), state, 0)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	records := make([]exports.SessionRecord, 0, len(sessions))
	for _, sess := range sessions {
		records = append(records, exports.SessionRecord{
			Reference: sess.Reference,
			Amount:    sess.Amount,
			Account:   sess.Account,
			State:     string(sess.State),
			Signature: sess.Signature,
			Reward:    sess.Reward,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}
	var (
		data        []byte
		checksum    string
		contentType string
	)
	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", "csv":
		data, checksum, err = exports.SessionsCSV(records)
		contentType = "text/csv"
	case "jsonl":
		data, checksum, err = exports.SessionsJSONL(records)
		contentType = "application/x-ndjson"
	default:
		middleware.WriteError(w, fmt.Errorf("%w: unknown export format %q", types.ErrInvalidInput, format))
		return
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Checksum-Sha256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) reference(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref, err := types.ParseReference(chi.URLParam(r, "reference"))
	if err != nil {
		middleware.WriteError(w, err)
		return "", false
	}
	return ref.String(), true
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		middleware.WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	middleware.WriteError(w, err)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, payload interface{}, reqBody []byte) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.fail(w, r, err, reqBody)
		return
	}
	s.writeJSONBytes(w, r, status, body, reqBody)
}

// fail maps err onto a status, counts it, and audits the response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, reqBody []byte) {
	kind := types.Classify(err)
	status := middleware.StatusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("checkout request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	if r.URL.Path == "/pay" {
		s.metrics.RecordFailure(string(kind))
	}
	body, _ := json.Marshal(map[string]string{"error": msg})
	s.writeJSONBytes(w, r, status, body, reqBody)
}

func (s *Server) writeJSONBytes(w http.ResponseWriter, r *http.Request, status int, body []byte, reqBody []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.audit(r.Context(), r, reqBody, body, status)
}

func (s *Server) audit(ctx context.Context, r *http.Request, requestBody, responseBody []byte, status int) {
	entry := AuditEntry{
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    requestBody,
		ResponseStatus: status,
		ResponseBody:   responseBody,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAudit(ctx, entry); err != nil {
		s.logger.Warn("audit insert failed", "path", entry.Path, "error", err)
	}
}

func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}
