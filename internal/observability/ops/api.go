package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotpost/internal/dispatch"
	"slotpost/internal/eventbus"
	"slotpost/internal/ingest"
	"slotpost/internal/queue"
	"slotpost/internal/slots"
	"slotpost/internal/status"
	"slotpost/internal/storage"
	logx "slotpost/pkg/logx"
)

type Store interface {
	Get(ctx context.Context, id int64) (queue.Item, error)
	List(ctx context.Context, f queue.ListFilter) ([]queue.Item, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
	Cancel(ctx context.Context, id int64) (queue.Item, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	Ping(ctx context.Context) error
}

type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (queue.Item, bool, error)
}

// Deps are the components the API reads and drives.
type Deps struct {
	Store      Store
	Ingest     Submitter
	Schedule   *slots.Holder
	Suspension *dispatch.Suspension
	Loop       status.Loop // optional
	Gatherer   prometheus.Gatherer
	Bus        eventbus.Bus // optional
}

type api struct {
	deps     Deps
	log      logx.Logger
	validate *validator.Validate
}

// NewRouter builds the ops HTTP surface. Every route except /healthz sits
// behind the bearer token when one is configured.
func NewRouter(deps Deps, cfg Config, log logx.Logger) http.Handler {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	a := &api{deps: deps, log: log, validate: validator.New(validator.WithRequiredStructEnabled())}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RequestSize(1 << 20))
	r.Use(a.requestLog)

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", a.status)
			r.Post("/resume", a.resume)
			r.Get("/items", a.listItems)
			r.Post("/items", a.createItem)
			r.Get("/items/{id}", a.getItem)
			r.Delete("/items/{id}", a.cancelItem)
		})
		if cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("rid", chimw.GetReqID(r.Context())),
		}
		if ww.Status() >= 500 {
			a.log.Warn("http request failed", fields...)
			return
		}
		a.log.Debug("http request", fields...)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "only pending items can be cancelled")
	case errors.Is(err, ingest.ErrEmptyPayload), errors.Is(err, ingest.ErrPayloadTooLarge), errors.Is(err, ingest.ErrUnsupported):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if a.deps.Store == nil {
		body["store"] = "none"
	} else if err := a.deps.Store.Ping(ctx); err != nil {
		body["status"], body["store"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	if a.deps.Suspension != nil {
		suspended, reason, _ := a.deps.Suspension.Active()
		body["suspended"] = suspended
		if suspended {
			body["suspend_reason"] = reason
		}
	}
	respondJSON(w, code, body)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	snap, err := status.Collect(r.Context(), status.Source{
		Store:      a.deps.Store,
		Schedule:   a.deps.Schedule,
		Suspension: a.deps.Suspension,
		Loop:       a.deps.Loop,
	}, time.Now())
	if err != nil {
		a.log.Warn("status failed", logx.Err(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	if a.deps.Suspension == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"cleared": false})
		return
	}
	_, reason, _ := a.deps.Suspension.Active()
	cleared := a.deps.Suspension.Clear("http:" + r.RemoteAddr)
	a.audit(r, "dispatch.resume", "", nil, map[string]any{"cleared": cleared, "reason": reason})
	respondJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (a *api) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f queue.ListFilter
	if raw := q.Get("state"); raw != "" {
		st, ok := queue.ParseState(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown state")
			return
		}
		f.State = st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("posted_since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "posted_since must be RFC3339")
			return
		}
		f.PostedSince = t
	}
	f.Newest = q.Get("order") == "newest"

	items, err := a.deps.Store.List(r.Context(), f)
	if err != nil {
		a.log.Warn("list items failed", logx.Err(err))
		mapError(w, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": items, "count": len(items)})
}

func itemID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (a *api) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	it, err := a.deps.Store.Get(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func (a *api) cancelItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	it, err := a.deps.Store.Cancel(r.Context(), id)
	a.audit(r, "queue.cancel", strconv.FormatInt(id, 10), err, nil)
	if err != nil {
		mapError(w, err)
		return
	}
	a.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeCancelled, Data: eventbus.ItemEvent{ItemID: it.ID, State: string(it.State)}})
	respondJSON(w, http.StatusOK, it)
}

type createItemRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=text photo"`
	Text       string `json:"text" validate:"required_if=Kind text,max=4096"`
	FileID     string `json:"file_id" validate:"required_if=Kind photo"`
	Caption    string `json:"caption" validate:"max=1024"`
	DedupToken string `json:"dedup_token" validate:"omitempty,max=200"`
}

func (a *api) createItem(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ingest == nil {
		respondError(w, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}
	var req createItemRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	sub := ingest.Submission{
		Payload: queue.Payload{
			Kind:    queue.PayloadKind(req.Kind),
			Text:    strings.TrimSpace(req.Text),
			FileID:  req.FileID,
			Caption: req.Caption,
		},
		ReceivedAt: time.Now(),
		Source:     "http",
	}
	if req.DedupToken != "" {
		sub.Token = "http:" + req.DedupToken
	}
	it, dup, err := a.deps.Ingest.Submit(r.Context(), sub)
	if !dup {
		a.audit(r, "queue.enqueue", strconv.FormatInt(it.ID, 10), err, map[string]any{"kind": req.Kind})
	}
	if err != nil {
		mapError(w, err)
		return
	}
	code := http.StatusCreated
	if dup {
		code = http.StatusOK
	}
	respondJSON(w, code, it)
}

func (a *api) audit(r *http.Request, action, target string, err error, meta map[string]any) {
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorUsername: r.RemoteAddr,
		Source:        "http",
		Action:        action,
		Target:        target,
		OK:            err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta != nil {
		if b, jerr := json.Marshal(meta); jerr == nil {
			e.MetaJSON = string(b)
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
	defer cancel()
	if aerr := a.deps.Store.AppendAudit(ctx, e); aerr != nil {
		a.log.Warn("audit write failed", logx.Err(aerr))
	}
}
