// Package httpapi exposes the inbound ESS endpoint and the operator
// surface over chi.
package httpapi

import (
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/umojafsp/essbridge/pkg/httpx"
	"github.com/umojafsp/essbridge/pkg/msgid"
	"github.com/umojafsp/essbridge/pkg/sigenv"
	"github.com/umojafsp/essbridge/pkg/wire"
	"github.com/umojafsp/essbridge/services/bridge/internal/cbs"
	"github.com/umojafsp/essbridge/services/bridge/internal/loanapp"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

// maxDocumentBytes caps an inbound signed document. ESS payloads are a
// few KB; anything near the cap is garbage.
const maxDocumentBytes = 1 << 20

// MessageService is the application surface the HTTP layer drives.
type MessageService interface {
	HandleMessage(ctx context.Context, msg *wire.Message, raw []byte) (*wire.Message, loanapp.FollowUp)
	Liquidate(ctx context.Context, essAppNo, reason string) error
}

type Handler struct {
	svc     MessageService
	signer  *sigenv.Signer
	essPub  *rsa.PublicKey
	fspCode string
	essName string
	logger  zerolog.Logger

	// spawn runs deferred pipeline work after the acknowledgment is
	// written; overridden in tests to run synchronously.
	spawn func(loanapp.FollowUp)
}

func NewHandler(svc MessageService, signer *sigenv.Signer, essPub *rsa.PublicKey, fspCode, essName string, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		signer:  signer,
		essPub:  essPub,
		fspCode: fspCode,
		essName: essName,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		spawn: func(fu loanapp.FollowUp) {
			go fu(context.Background())
		},
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/ess/v1/messages", h.handleInbound)
	r.Route("/ops/v1", func(api chi.Router) {
		api.Post("/applications/{ess_application_number}/liquidate", h.handleLiquidate)
	})
	return r
}

// handleInbound verifies, routes and acknowledges one signed document.
// Protocol failures travel in the ResponseCode of a signed RESPONSE, not
// in the HTTP status: the counterpart treats non-200 as transport error
// and retries.
func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		h.writeReply(w, h.rejection("Request body unreadable"))
		return
	}

	msg, err := sigenv.OpenDocument(body, h.essPub)
	if err != nil {
		switch {
		case errors.Is(err, sigenv.ErrVerificationFailed):
			h.logger.Warn().Err(err).Msg("inbound document failed signature verification")
			h.writeReply(w, h.rejection("Signature verification failed"))
		case errors.Is(err, wire.ErrMalformedMessage):
			h.logger.Warn().Err(err).Msg("inbound document malformed")
			h.writeReply(w, h.rejection("Malformed message"))
		default:
			h.logger.Error().Err(err).Msg("inbound document rejected")
			h.writeReply(w, h.rejection("Message could not be processed"))
		}
		return
	}

	h.logger.Info().
		Str("message_type", msg.Header.MessageType).
		Str("msg_id", msg.Header.MsgID).
		Str("sender", msg.Header.Sender).
		Msg("inbound message")

	reply, followUp := h.svc.HandleMessage(r.Context(), msg, body)
	h.writeReply(w, reply)
	if followUp != nil {
		h.spawn(followUp)
	}
}

func (h *Handler) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	essAppNo := chi.URLParam(r, "ess_application_number")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Reason == "" {
		req.Reason = "Operator liquidation"
	}

	err := h.svc.Liquidate(r.Context(), essAppNo, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown application", nil)
	case errors.Is(err, loanapp.ErrIllegalTransition):
		httpx.WriteError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error(), nil)
	case errors.Is(err, cbs.ErrRetryable):
		httpx.WriteError(w, http.StatusBadGateway, "CBS_UNAVAILABLE", "core banking system unavailable, retry later", nil)
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, "LIQUIDATION_FAILED", err.Error(), nil)
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"request_id":             httpx.NewRequestID(),
			"ess_application_number": essAppNo,
			"status":                 string(loanapp.StatusLiquidated),
		})
	}
}

func (h *Handler) rejection(description string) *wire.Message {
	return wire.NewResponse(h.fspCode, h.essName, h.fspCode, msgid.New(wire.TypeResponse), wire.CodeRejected, description)
}

// writeReply seals the outbound message; a signing failure is the one
// case where a bare HTTP error is allowed, since an unsigned reply must
// never leave the bridge.
func (h *Handler) writeReply(w http.ResponseWriter, reply *wire.Message) {
	sealed, err := h.signer.SealDocument(reply)
	if err != nil {
		h.logger.Error().Err(err).Msg("could not seal reply")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteXML(w, http.StatusOK, sealed)
}
