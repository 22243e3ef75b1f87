package ledgergo

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type statusJSONResp struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type balanceJSONResp struct {
	Status int `json:"status"`
	BalanceResp
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	mux := chi.NewMux()
	mux.NotFound(HTTPNotFound)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	mux.Use(HTTPMetrics)
	if node, err := snowflake.NewNode(2); err == nil {
		mux.Use(RequestID(node))
	} else {
		log.Err(err).Msg("request ID middleware disabled")
	}

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", MetricsHandler())

	mux.Post("/register", hndlr.Register)
	mux.Post("/credit", hndlr.Credit)
	mux.Post("/transfer", hndlr.Transfer)
	mux.Post("/balance", hndlr.Balance)
	mux.Post("/takeloan", hndlr.TakeLoan)
	mux.Post("/payloan", hndlr.PayLoan)
	mux.Post("/statement", hndlr.Statement)

	return mux
}

// RequestID tags every request with a snowflake ID, echoed in the
// X-Request-Id response header.
func RequestID(node *snowflake.Node) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Request-Id", node.Generate().String())
			next.ServeHTTP(w, r)
		})
	}
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

func (h *httpHandler) decode(w http.ResponseWriter, r *http.Request, method string, v interface{}) bool {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		WriteHTTPError(w, ErrInternalServer)
		return false
	}
	if err = json.Unmarshal(buf, v); err != nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return false
	}
	return true
}

func (h *httpHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterReq
	if !h.decode(w, r, "register", &req) {
		return
	}
	if err := h.Svc.Register(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeStatusJSON(w, "register", StatusOK, "Registration successful")
}

func (h *httpHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req ChargeReq
	if !h.decode(w, r, "credit", &req) {
		return
	}
	if err := h.Svc.Credit(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeStatusJSON(w, "credit", StatusOK, "Credit transaction successful")
}

func (h *httpHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferReq
	if !h.decode(w, r, "transfer", &req) {
		return
	}
	if err := h.Svc.Transfer(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeStatusJSON(w, "transfer", StatusOK, "Transfer successful")
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	var req BalanceReq
	if !h.decode(w, r, "balance", &req) {
		return
	}
	bal, err := h.Svc.Balance(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}

	operationsTotal.WithLabelValues("balance", strconv.Itoa(StatusOK)).Inc()
	resp := balanceJSONResp{Status: StatusOK, BalanceResp: *bal}
	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(resp); err != nil {
		WriteHTTPError(w, err)
	}
}

func (h *httpHandler) TakeLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanReq
	if !h.decode(w, r, "takeloan", &req) {
		return
	}
	if err := h.Svc.TakeLoan(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeStatusJSON(w, "takeloan", StatusOK, "Loan borrowed successfully")
}

func (h *httpHandler) PayLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanReq
	if !h.decode(w, r, "payloan", &req) {
		return
	}
	if err := h.Svc.PayLoan(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeStatusJSON(w, "payloan", StatusOK, "Loan payment successful")
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	var req StatementReq
	if !h.decode(w, r, "statement", &req) {
		return
	}
	// Render to a buffer first so an error can still produce a JSON response.
	buf := new(bytes.Buffer)
	if err := h.Svc.Statement(r.Context(), buf, req); err != nil {
		WriteHTTPError(w, err)
		return
	}

	operationsTotal.WithLabelValues("statement", strconv.Itoa(StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/pdf")
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing PDF response")
	}
}

func writeStatusJSON(w http.ResponseWriter, op string, status int, msg string) {
	operationsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusJSONResp{Status: status, Message: msg}); err != nil {
		log.Error().Err(err).Msg("error response encoding failed")
	}
}

// WriteHTTPError maps an operation error onto the wire. Domain rejections
// keep HTTP 200 and carry their domain status in the body; malformed input is
// HTTP 400, store unavailability HTTP 503, anything else HTTP 500.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	errnf := &ErrNotFound{}
	errbr := &ErrBadRequest{}
	errsu := &ErrStoreUnavailable{}
	if errors.As(err, errnf) {
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(errnf)
	} else if errors.As(err, errbr) {
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(errbr)
	} else if code := StatusCode(err); code != 0 && code != StatusOK {
		ne = json.NewEncoder(w).Encode(statusJSONResp{Status: code, Message: err.Error()})
	} else if errors.As(err, errsu) {
		w.WriteHeader(http.StatusServiceUnavailable)
		ne = json.NewEncoder(w).Encode(map[string]string{
			"message": "service unavailable, retry later",
		})
	} else {
		w.WriteHeader(http.StatusInternalServerError)
		resp := map[string]string{
			"message": "server error",
		}
		ne = json.NewEncoder(w).Encode(resp)
	}
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{
		"path": r.URL.Path,
	}
	json.NewEncoder(w).Encode(resp)
}
