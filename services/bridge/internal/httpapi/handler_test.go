package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/umojafsp/essbridge/pkg/msgid"
	"github.com/umojafsp/essbridge/pkg/sigenv"
	"github.com/umojafsp/essbridge/pkg/wire"
	"github.com/umojafsp/essbridge/services/bridge/internal/loanapp"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

type stubService struct {
	lastMsg      *wire.Message
	reply        *wire.Message
	followUp     loanapp.FollowUp
	liquidateErr error
}

func (s *stubService) HandleMessage(_ context.Context, msg *wire.Message, _ []byte) (*wire.Message, loanapp.FollowUp) {
	s.lastMsg = msg
	reply := s.reply
	if reply == nil {
		reply = wire.NewResponse("FL7456", msg.Header.Sender, "FL7456", msgid.New(wire.TypeResponse), wire.CodeAccepted, "Received")
	}
	return reply, s.followUp
}

func (s *stubService) Liquidate(_ context.Context, _, _ string) error {
	return s.liquidateErr
}

type testKeys struct {
	fspSigner *sigenv.Signer
	fspPub    *rsa.PublicKey
	essSigner *sigenv.Signer
	essPub    *rsa.PublicKey
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	fsp, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate fsp key: %v", err)
	}
	ess, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate ess key: %v", err)
	}
	return testKeys{
		fspSigner: sigenv.NewSigner(fsp),
		fspPub:    &fsp.PublicKey,
		essSigner: sigenv.NewSigner(ess),
		essPub:    &ess.PublicKey,
	}
}

func newTestHandler(t *testing.T, svc *stubService) (*Handler, testKeys) {
	t.Helper()
	keys := newTestKeys(t)
	h := NewHandler(svc, keys.fspSigner, keys.essPub, "FL7456", "ESS_UTUMISHI", zerolog.Nop())
	h.spawn = func(fu loanapp.FollowUp) { fu(context.Background()) }
	return h, keys
}

func signedInbound(t *testing.T, keys testKeys, messageType string, fields map[string]string) []byte {
	t.Helper()
	m := &wire.Message{Header: wire.Header{
		Sender:      "ESS_UTUMISHI",
		Receiver:    "FL7456",
		FSPCode:     "FL7456",
		MsgID:       msgid.New(messageType),
		MessageType: messageType,
	}}
	for k, v := range fields {
		m.Set(k, v)
	}
	doc, err := keys.essSigner.SealDocument(m)
	if err != nil {
		t.Fatalf("seal inbound: %v", err)
	}
	return doc
}

func postMessage(t *testing.T, h *Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ess/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/xml")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func openReply(t *testing.T, keys testKeys, rec *httptest.ResponseRecorder) *wire.Message {
	t.Helper()
	reply, err := sigenv.OpenDocument(rec.Body.Bytes(), keys.fspPub)
	if err != nil {
		t.Fatalf("reply failed verification: %v\n%s", err, rec.Body.String())
	}
	return reply
}

func TestInboundVerifiedAndAcknowledged(t *testing.T) {
	svc := &stubService{}
	h, keys := newTestHandler(t, svc)

	doc := signedInbound(t, keys, wire.TypeOfferRequest, map[string]string{
		"ApplicationNumber": "ESSAPP-1001",
		"RequestedAmount":   "2000000.00",
	})
	rec := postMessage(t, h, doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.lastMsg == nil || svc.lastMsg.Get("ApplicationNumber") != "ESSAPP-1001" {
		t.Fatal("service did not receive the decoded message")
	}

	reply := openReply(t, keys, rec)
	if reply.Header.MessageType != wire.TypeResponse {
		t.Fatalf("reply type = %s, want RESPONSE", reply.Header.MessageType)
	}
	if got := reply.Get("ResponseCode"); got != wire.CodeAccepted {
		t.Fatalf("ResponseCode = %s, want %s", got, wire.CodeAccepted)
	}
}

func TestTamperedDocumentRejectedWithoutRouting(t *testing.T) {
	svc := &stubService{}
	h, keys := newTestHandler(t, svc)

	doc := signedInbound(t, keys, wire.TypeOfferRequest, map[string]string{
		"ApplicationNumber": "ESSAPP-1002",
		"RequestedAmount":   "2000000.00",
	})
	tampered := bytes.Replace(doc, []byte("2000000.00"), []byte("9000000.00"), 1)

	rec := postMessage(t, h, tampered)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (protocol-level rejection)", rec.Code)
	}
	if svc.lastMsg != nil {
		t.Fatal("tampered message must not reach the service")
	}
	reply := openReply(t, keys, rec)
	if got := reply.Get("ResponseCode"); got != wire.CodeRejected {
		t.Fatalf("ResponseCode = %s, want %s", got, wire.CodeRejected)
	}
	if !strings.Contains(reply.Get("Description"), "Signature") {
		t.Fatalf("Description = %q, want signature rejection", reply.Get("Description"))
	}
}

func TestGarbageBodyRejected(t *testing.T) {
	svc := &stubService{}
	h, keys := newTestHandler(t, svc)

	rec := postMessage(t, h, []byte("this is not xml"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	reply := openReply(t, keys, rec)
	if got := reply.Get("ResponseCode"); got != wire.CodeRejected {
		t.Fatalf("ResponseCode = %s, want %s", got, wire.CodeRejected)
	}
	if svc.lastMsg != nil {
		t.Fatal("garbage must not reach the service")
	}
}

func TestFollowUpRuns(t *testing.T) {
	ran := 0
	svc := &stubService{followUp: func(context.Context) { ran++ }}
	h, keys := newTestHandler(t, svc)

	doc := signedInbound(t, keys, wire.TypeFinalApproval, map[string]string{
		"ApplicationNumber": "ESSAPP-1003",
		"Approval":          "APPROVED",
	})
	postMessage(t, h, doc)
	if ran != 1 {
		t.Fatalf("follow-up ran %d times, want 1", ran)
	}
}

func TestLiquidateEndpointStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"illegal transition", loanapp.ErrIllegalTransition, http.StatusConflict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			svc := &stubService{liquidateErr: c.err}
			h, _ := newTestHandler(t, svc)

			req := httptest.NewRequest(http.MethodPost, "/ops/v1/applications/ESSAPP-1004/liquidate",
				strings.NewReader(`{"reason":"early settlement"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.Router().ServeHTTP(rec, req)
			if rec.Code != c.status {
				t.Fatalf("status = %d, want %d", rec.Code, c.status)
			}
		})
	}
}
