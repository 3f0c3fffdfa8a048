package fiscal_test

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/nfe-api/internal/application/fiscal"
	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
	"github.com/jhoicas/nfe-api/internal/infrastructure/lock"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	"github.com/jhoicas/nfe-api/internal/infrastructure/nfe/signer"
	"github.com/jhoicas/nfe-api/internal/testutil"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// ──────────────────────────────────────────────────────────────────────────────
// Dobles de prueba
// ──────────────────────────────────────────────────────────────────────────────

const (
	issuedKey = "35240112345678000195550010000000421123456781"
	authProt  = "135240000000001"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Submit(ctx context.Context, req infranfe.SubmitRequest) (*infranfe.SubmissionResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*infranfe.SubmissionResult)
	return res, args.Error(1)
}

func (m *mockTransport) QueryServiceStatus(ctx context.Context, req infranfe.StatusRequest) (*infranfe.ServiceStatus, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*infranfe.ServiceStatus)
	return res, args.Error(1)
}

func (m *mockTransport) SendEvent(ctx context.Context, req infranfe.EventRequest) (*infranfe.EventResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*infranfe.EventResult)
	return res, args.Error(1)
}

func (m *mockTransport) QueryProtocol(ctx context.Context, q infranfe.ProtocolQuery) (*infranfe.SubmissionResult, error) {
	args := m.Called(ctx, q)
	res, _ := args.Get(0).(*infranfe.SubmissionResult)
	return res, args.Error(1)
}

type certProvider struct{ cert tls.Certificate }

func (p certProvider) Load(context.Context) (tls.Certificate, error) { return p.cert, nil }

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string]string
}

func (a *memoryArchive) Put(_ context.Context, key, name, xml string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key+"/"+name] = xml
	return nil
}

type harness struct {
	svc       *fiscal.Service
	store     *testutil.MemoryStore
	transport *mockTransport
	archive   *memoryArchive
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cert := testutil.NewCert(t, "EMPRESA TESTE LTDA:"+testutil.EmitterCNPJ)
	store := testutil.NewMemoryStore()
	transport := new(mockTransport)
	archive := &memoryArchive{objects: map[string]string{}}
	lots := 0
	svc := fiscal.NewService(fiscal.Dependencies{
		Documents:    store,
		Events:       store.Events(),
		Tx:           store,
		Builder:      infranfe.NewXMLBuilderService(zerolog.Nop()),
		Signer:       signer.NewDigitalSignatureService(),
		Transport:    transport,
		Certificates: certProvider{cert: cert.TLS},
		Locker:       lock.NewMemoryLocker(),
		Archive:      archive,
	}, fiscal.Config{Environment: "2", UF: "SP"}, zerolog.Nop(),
		fiscal.WithClock(func() time.Time { return testutil.IssuedAt().Add(time.Hour) }),
		fiscal.WithLotIDs(func() string { lots++; return fmt.Sprintf("%015d", lots) }),
	)
	return &harness{svc: svc, store: store, transport: transport, archive: archive}
}

func aggregate() *fiscal.InvoiceAggregate {
	return &fiscal.InvoiceAggregate{
		Emitter:     testutil.Emitter(),
		Recipient:   testutil.Recipient(),
		Items:       []entity.LineItem{testutil.GoodsItem()},
		Series:      1,
		Number:      42,
		IssuedAt:    testutil.IssuedAt(),
		PaymentType: pkgnfe.PaymentPIX,
		NumericCode: "12345678",
	}
}

func protNFeXML(cStat, motivo string) string {
	return `<protNFe versao="4.00"><infProt><tpAmb>2</tpAmb><chNFe>` + issuedKey + `</chNFe>` +
		`<dhRecbto>2024-01-15T10:31:05-03:00</dhRecbto><nProt>` + authProt + `</nProt>` +
		`<digVal>q4s1Zt0bXyhK7pYtQ1b7tYvR3sA=</digVal><cStat>` + cStat + `</cStat><xMotivo>` + motivo + `</xMotivo></infProt></protNFe>`
}

func submission(cStat, motivo string) *infranfe.SubmissionResult {
	res := &infranfe.SubmissionResult{
		LotStatusCode: "104",
		StatusCode:    cStat,
		Message:       motivo,
		Outcome:       pkgnfe.ClassifyInvoiceStatus(cStat),
	}
	if res.Outcome == pkgnfe.OutcomeAuthorized || res.Outcome == pkgnfe.OutcomeDenied {
		res.AccessKey = issuedKey
		res.ProtocolXML = protNFeXML(cStat, motivo)
		res.Protocol = &entity.AuthorizationProtocol{
			Number:     authProt,
			StatusCode: cStat,
			Message:    motivo,
			ReceivedAt: time.Date(2024, 1, 15, 13, 31, 5, 0, time.UTC),
		}
	}
	return res
}

func lot(id string) interface{} {
	return mock.MatchedBy(func(r infranfe.SubmitRequest) bool { return r.LotID == id })
}

// issueAuthorized deja un documento AUTHORIZED en el store.
func issueAuthorized(t *testing.T, h *harness) *fiscal.IssueResult {
	t.Helper()
	h.transport.On("Submit", mock.Anything, lot("000000000000001")).
		Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil).Once()
	res, err := h.svc.Issue(context.Background(), aggregate())
	require.NoError(t, err)
	require.Equal(t, entity.DocumentStatusAuthorized, res.Status)
	return res
}

// ──────────────────────────────────────────────────────────────────────────────
// Emisión
// ──────────────────────────────────────────────────────────────────────────────

func TestIssue_Autorizada(t *testing.T) {
	h := newHarness(t)
	res := issueAuthorized(t, h)

	assert.Equal(t, issuedKey, res.AccessKey)
	require.NotNil(t, res.Protocol)
	assert.Equal(t, authProt, res.Protocol.Number)

	doc, err := h.svc.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, doc.Status)
	assert.Equal(t, "000000000000001", doc.LotID)
	assert.Equal(t, pkgnfe.StatAuthorized, doc.StatusCode)

	// nfeProc = NFe firmada byte a byte + protNFe tal como llegó.
	signedBody := string(infranfe.StripDeclaration([]byte(doc.SignedXML)))
	assert.Contains(t, doc.ArchivalXML, strings.TrimSpace(signedBody))
	assert.Contains(t, doc.ArchivalXML, protNFeXML(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"))
	require.NoError(t, signer.Verify([]byte(doc.SignedXML), pkgnfe.ReferenceInvoice))

	proto, err := infranfe.ExtractProtocol(doc.ArchivalXML)
	require.NoError(t, err)
	assert.Equal(t, authProt, proto.Number)

	assert.Equal(t, doc.ArchivalXML, h.archive.objects[issuedKey+"/"+fiscal.ArchiveInvoice])
	h.transport.AssertExpectations(t)
}

func TestIssue_RechazadaYDenegada(t *testing.T) {
	cases := []struct {
		name   string
		cStat  string
		status string
		kind   error
	}{
		{"rechazo", "539", entity.DocumentStatusRejected, domain.ErrAuthorityRejection},
		{"denegación", pkgnfe.StatDeniedIssuer, entity.DocumentStatusDenied, domain.ErrAuthorityDenial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.transport.On("Submit", mock.Anything, mock.Anything).
				Return(submission(tc.cStat, "motivo "+tc.cStat), nil).Once()

			res, err := h.svc.Issue(context.Background(), aggregate())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			ae, ok := fiscal.IsAuthorityError(err)
			require.True(t, ok)
			assert.Equal(t, tc.cStat, ae.Code)
			assert.Equal(t, "motivo "+tc.cStat, ae.Message)
			assert.False(t, domain.IsRetryable(err))

			require.NotNil(t, res)
			assert.Equal(t, tc.status, res.Status)
			doc, err := h.svc.Get(context.Background(), res.DocumentID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, doc.Status)
			assert.Equal(t, tc.cStat, doc.StatusCode)
		})
	}
}

func TestSubmit_ErrorDeTransporteQuedaSubmittedYReenviaMismoLote(t *testing.T) {
	h := newHarness(t)
	transportErr := fmt.Errorf("%w: timeout", domain.ErrTransport)
	h.transport.On("Submit", mock.Anything, lot("000000000000001")).Return(nil, transportErr).Once()

	res, err := h.svc.Issue(context.Background(), aggregate())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, entity.DocumentStatusSubmitted, res.Status)

	doc, err := h.svc.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusSubmitted, doc.Status)
	assert.Equal(t, "000000000000001", doc.LotID)

	h.transport.On("Submit", mock.Anything, lot("000000000000001")).
		Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil).Once()
	res, err = h.svc.Submit(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, res.Status)
	h.transport.AssertExpectations(t)
}

func TestReconcile_LotePendiente(t *testing.T) {
	h := newHarness(t)
	h.transport.On("Submit", mock.Anything, mock.Anything).
		Return(submission(pkgnfe.StatLotInProcess, "Lote em processamento"), nil).Once()

	res, err := h.svc.Issue(context.Background(), aggregate())
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusSubmitted, res.Status)
	assert.Equal(t, pkgnfe.StatLotInProcess, res.StatusCode)

	h.transport.On("QueryProtocol", mock.Anything, mock.MatchedBy(func(q infranfe.ProtocolQuery) bool {
		return q.AccessKey == issuedKey && q.Environment == "2" && q.UF == "35"
	})).Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil).Once()

	res, err = h.svc.Reconcile(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, res.Status)

	_, err = h.svc.Reconcile(context.Background(), res.DocumentID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	h.transport.AssertExpectations(t)
}

// lotStatus respuesta de NFeAutorizacao4 sin protNFe.
func lotStatus(cStat, motivo string) *infranfe.SubmissionResult {
	return &infranfe.SubmissionResult{
		LotStatusCode: cStat,
		LotMessage:    motivo,
		StatusCode:    cStat,
		Message:       motivo,
		Outcome:       pkgnfe.ClassifySubmission(cStat, false),
	}
}

func TestSubmit_SefazNoDisponibleQuedaSubmitted(t *testing.T) {
	for _, cStat := range []string{pkgnfe.StatServiceStopped, pkgnfe.StatServiceStoppedNoETA, pkgnfe.StatOveruse, pkgnfe.StatUnexpectedError} {
		t.Run(cStat, func(t *testing.T) {
			h := newHarness(t)
			h.transport.On("Submit", mock.Anything, lot("000000000000001")).
				Return(lotStatus(cStat, "Servico paralisado momentaneamente"), nil).Once()

			res, err := h.svc.Issue(context.Background(), aggregate())
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrTransport)
			assert.True(t, domain.IsRetryable(err))
			_, isAuthority := fiscal.IsAuthorityError(err)
			assert.False(t, isAuthority)

			doc, err := h.svc.Get(context.Background(), res.DocumentID)
			require.NoError(t, err)
			assert.Equal(t, entity.DocumentStatusSubmitted, doc.Status)
			assert.Equal(t, cStat, doc.StatusCode)

			h.transport.On("Submit", mock.Anything, lot("000000000000001")).
				Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil).Once()
			res, err = h.svc.Submit(context.Background(), doc.ID)
			require.NoError(t, err)
			assert.Equal(t, entity.DocumentStatusAuthorized, res.Status)
			h.transport.AssertExpectations(t)
		})
	}
}

func TestSubmit_RechazoDeLoteEsTerminal(t *testing.T) {
	h := newHarness(t)
	h.transport.On("Submit", mock.Anything, mock.Anything).
		Return(lotStatus("225", "Rejeicao: Falha no Schema XML"), nil).Once()

	res, err := h.svc.Issue(context.Background(), aggregate())
	assert.ErrorIs(t, err, domain.ErrAuthorityRejection)
	assert.Equal(t, entity.DocumentStatusRejected, res.Status)
}

func TestReconcile_NoConstaEnLaBasePermiteReenvio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transportErr := fmt.Errorf("%w: timeout", domain.ErrTransport)
	h.transport.On("Submit", mock.Anything, lot("000000000000001")).Return(nil, transportErr).Once()
	res, err := h.svc.Issue(ctx, aggregate())
	require.ErrorIs(t, err, domain.ErrTransport)

	notFound := &infranfe.SubmissionResult{
		StatusCode: pkgnfe.StatNotInDatabase,
		Message:    "Rejeicao: NF-e nao consta na base de dados da SEFAZ",
		Outcome:    pkgnfe.ClassifyConsult(pkgnfe.StatNotInDatabase, false),
	}
	h.transport.On("QueryProtocol", mock.Anything, mock.Anything).Return(notFound, nil).Once()
	res, err = h.svc.Reconcile(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusSubmitted, res.Status)
	assert.Equal(t, pkgnfe.StatNotInDatabase, res.StatusCode)

	h.transport.On("Submit", mock.Anything, lot("000000000000001")).
		Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil).Once()
	res, err = h.svc.Submit(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, res.Status)
	h.transport.AssertExpectations(t)
}

func TestSubmit_ProtocoloDeOtraChaveSeDescarta(t *testing.T) {
	h := newHarness(t)
	foreign := submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e")
	foreign.AccessKey = "35240112345678000195550010000000431123456780"
	h.transport.On("Submit", mock.Anything, mock.Anything).Return(foreign, nil).Once()

	res, err := h.svc.Issue(context.Background(), aggregate())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, err.Error(), "integridad")

	doc, err := h.svc.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusSubmitted, doc.Status)
	assert.Nil(t, doc.Protocol)
	assert.Empty(t, doc.ArchivalXML)
	assert.Empty(t, h.archive.objects)
}

func TestSubmit_DigValContraLaFirma(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)
	signed, err := h.svc.Sign(ctx, draft.ID)
	require.NoError(t, err)
	digest, err := infranfe.SignedDigestValue([]byte(signed.SignedXML))
	require.NoError(t, err)
	require.NotEmpty(t, digest)

	tampered := submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e")
	tampered.Protocol.DigestValue = "q4s1Zt0bXyhK7pYtQ1b7tYvR3sA="
	h.transport.On("Submit", mock.Anything, mock.Anything).Return(tampered, nil).Once()
	_, err = h.svc.Submit(ctx, draft.ID)
	assert.ErrorIs(t, err, domain.ErrTransport)
	doc, err := h.svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusSubmitted, doc.Status)

	matching := submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e")
	matching.Protocol.DigestValue = digest
	h.transport.On("Submit", mock.Anything, mock.Anything).Return(matching, nil).Once()
	res, err := h.svc.Submit(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, res.Status)
	assert.Equal(t, digest, res.Protocol.DigestValue)
}

func TestSubmit_ConcurrenteTransmiteUnaSolaVez(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)
	_, err = h.svc.Sign(ctx, draft.ID)
	require.NoError(t, err)

	var sent int32
	h.transport.On("Submit", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			atomic.AddInt32(&sent, 1)
			time.Sleep(20 * time.Millisecond)
		}).
		Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Submit(ctx, draft.ID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sent))
	ok, invalid := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)

	doc, err := h.svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, doc.Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Borradores, firma y transiciones
// ──────────────────────────────────────────────────────────────────────────────

func TestDraft_CicloDeEdicion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusDraft, doc.Status)
	assert.Equal(t, issuedKey, doc.AccessKey)
	assert.Equal(t, "35", doc.AuthorityUF)
	assert.Contains(t, doc.UnsignedXML, `Id="NFe`+issuedKey+`"`)

	agg := aggregate()
	agg.Items = append(agg.Items, testutil.GoodsItem())
	updated, err := h.svc.UpdateDraft(ctx, doc.ID, agg)
	require.NoError(t, err)
	assert.Len(t, updated.Items, 2)
	assert.Equal(t, "200.00", updated.Totals.Total.StringFixed(2))

	require.NoError(t, h.svc.DeleteDraft(ctx, doc.ID))
	_, err = h.svc.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_FiltraPorEstado(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)
	agg := aggregate()
	agg.Number = 43
	_, err = h.svc.CreateDraft(ctx, agg)
	require.NoError(t, err)
	_, err = h.svc.Sign(ctx, first.ID)
	require.NoError(t, err)

	docs, total, err := h.svc.List(ctx, repository.DocumentFilter{Status: entity.DocumentStatusDraft}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, 43, docs[0].Number)

	docs, total, err = h.svc.List(ctx, repository.DocumentFilter{EmitterCNPJ: "12.345.678/0001-95"}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, docs, 1)

	_, _, err = h.svc.List(ctx, repository.DocumentFilter{Status: "PAGADA"}, 10, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestList_FiltraPorTotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)
	agg := aggregate()
	agg.Number = 43
	agg.Items = append(agg.Items, testutil.GoodsItem())
	big, err := h.svc.CreateDraft(ctx, agg)
	require.NoError(t, err)
	require.True(t, big.Totals.Total.GreaterThan(decimal.NewFromInt(150)))

	docs, total, err := h.svc.List(ctx, repository.DocumentFilter{
		MinTotal: decimal.NewNullDecimal(decimal.NewFromInt(150)),
	}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, 43, docs[0].Number)

	_, total, err = h.svc.List(ctx, repository.DocumentFilter{
		MaxTotal: decimal.NewNullDecimal(decimal.NewFromInt(150)),
	}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, _, err = h.svc.List(ctx, repository.DocumentFilter{
		MinTotal: decimal.NewNullDecimal(decimal.NewFromInt(200)),
		MaxTotal: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}, 10, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDraft_ValidacionLocal(t *testing.T) {
	h := newHarness(t)
	agg := aggregate()
	agg.Items = nil
	_, err := h.svc.CreateDraft(context.Background(), agg)
	assert.ErrorIs(t, err, domain.ErrValidation)
	h.transport.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestSign_TransicionesInvalidas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)

	signed, err := h.svc.Sign(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusSigned, signed.Status)
	require.NoError(t, signer.Verify([]byte(signed.SignedXML), pkgnfe.ReferenceInvoice))

	_, err = h.svc.Sign(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = h.svc.UpdateDraft(ctx, doc.ID, aggregate())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.svc.DeleteDraft(ctx, doc.ID), domain.ErrInvalidTransition)
	_, err = h.svc.Reconcile(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = h.svc.Cancel(ctx, doc.AccessKey, "Cancelamento por erro de digitação")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSign_FalloDePersistenciaNoCambiaEstado(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)

	h.store.FailTransition = errors.New("conexión perdida")
	_, err = h.svc.Sign(ctx, doc.ID)
	require.Error(t, err)

	h.store.FailTransition = nil
	stored, err := h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusDraft, stored.Status)
	assert.Empty(t, stored.SignedXML)
}

func TestSubmit_CASDetectaOtroEscritor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.svc.CreateDraft(ctx, aggregate())
	require.NoError(t, err)
	_, err = h.svc.Sign(ctx, doc.ID)
	require.NoError(t, err)

	h.transport.On("Submit", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { h.store.SetStatus(doc.ID, entity.DocumentStatusRejected) }).
		Return(submission(pkgnfe.StatAuthorized, "Autorizado o uso da NF-e"), nil).Once()

	_, err = h.svc.Submit(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	stored, err := h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusRejected, stored.Status)
	assert.Empty(t, stored.ArchivalXML)
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancelación
// ──────────────────────────────────────────────────────────────────────────────

func retEventoXML(cStat, seq string) string {
	return `<retEvento versao="1.00"><infEvento><tpAmb>2</tpAmb><cOrgao>35</cOrgao><cStat>` + cStat +
		`</cStat><xMotivo>Evento registrado e vinculado a NF-e</xMotivo><chNFe>` + issuedKey +
		`</chNFe><tpEvento>110111</tpEvento><nSeqEvento>` + seq + `</nSeqEvento>` +
		`<dhRegEvento>2024-01-16T09:00:00-03:00</dhRegEvento><nProt>135240000000777</nProt></infEvento></retEvento>`
}

func eventResult(cStat, seq string) *infranfe.EventResult {
	registered := pkgnfe.IsEventRegistered(cStat)
	res := &infranfe.EventResult{
		LotStatusCode: pkgnfe.StatEventLotProcessed,
		StatusCode:    cStat,
		Message:       "motivo " + cStat,
		Registered:    registered,
		EventXML:      retEventoXML(cStat, seq),
		Protocol:      &entity.AuthorizationProtocol{StatusCode: cStat},
	}
	if registered {
		res.Protocol.Number = "135240000000777"
	}
	return res
}

func eventSeq(seq string) interface{} {
	return mock.MatchedBy(func(r infranfe.EventRequest) bool {
		return strings.Contains(string(r.SignedXML), "<nSeqEvento>"+seq+"</nSeqEvento>")
	})
}

func TestCancel_Registrada(t *testing.T) {
	h := newHarness(t)
	issued := issueAuthorized(t, h)
	h.transport.On("SendEvent", mock.Anything, eventSeq("1")).
		Return(eventResult(pkgnfe.StatEventRegistered, "1"), nil).Once()

	res, err := h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusCancelled, res.Status)
	assert.Equal(t, entity.EventStatusRegistered, res.EventStatus)
	assert.Equal(t, 1, res.Sequence)
	require.NotNil(t, res.EventProtocol)
	assert.Equal(t, "135240000000777", res.EventProtocol.Number)

	doc, err := h.svc.Get(context.Background(), issued.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusCancelled, doc.Status)
	assert.NotEmpty(t, doc.ArchivalXML, "el nfeProc de la autorización se conserva")

	events, err := h.svc.Events(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, strings.HasPrefix(events[0].ArchivalXML, `<?xml version="1.0" encoding="UTF-8"?><procEventoNFe`))
	assert.Contains(t, events[0].ArchivalXML, retEventoXML(pkgnfe.StatEventRegistered, "1"))
	require.NoError(t, signer.Verify([]byte(events[0].SignedXML), pkgnfe.ReferenceEvent))
	assert.Equal(t, events[0].ArchivalXML, h.archive.objects[issuedKey+"/"+fiscal.ArchiveCancellation])

	_, err = h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel_RechazoYReintentoIncrementaSecuencia(t *testing.T) {
	h := newHarness(t)
	issued := issueAuthorized(t, h)
	h.transport.On("SendEvent", mock.Anything, eventSeq("1")).
		Return(eventResult("501", "1"), nil).Once()

	res, err := h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	assert.ErrorIs(t, err, domain.ErrAuthorityRejection)
	require.NotNil(t, res)
	assert.Equal(t, entity.DocumentStatusAuthorized, res.Status)
	assert.Equal(t, entity.EventStatusRejected, res.EventStatus)
	assert.Equal(t, "501", res.StatusCode)

	h.transport.On("SendEvent", mock.Anything, eventSeq("2")).
		Return(eventResult(pkgnfe.StatEventLate, "2"), nil).Once()
	res, err = h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sequence)
	assert.Equal(t, entity.DocumentStatusCancelled, res.Status)

	events, err := h.svc.Events(context.Background(), issued.DocumentID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, entity.EventStatusRejected, events[0].Status)
	assert.Equal(t, entity.EventStatusRegistered, events[1].Status)
	h.transport.AssertExpectations(t)
}

func TestCancel_TransaccionFallidaNoCancelaDocumento(t *testing.T) {
	h := newHarness(t)
	issued := issueAuthorized(t, h)
	h.transport.On("SendEvent", mock.Anything, mock.Anything).
		Return(eventResult(pkgnfe.StatEventRegistered, "1"), nil).Once()

	h.store.FailTransition = errors.New("deadlock detectado")
	_, err := h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	require.Error(t, err)
	h.store.FailTransition = nil

	doc, err := h.svc.Get(context.Background(), issued.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusAuthorized, doc.Status)

	events, err := h.svc.Events(context.Background(), issued.DocumentID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, entity.EventStatusPending, events[0].Status, "el evento no quedó REGISTERED sin el documento")
}

func TestCancel_ErrorDeTransporteReenviaMismaSecuencia(t *testing.T) {
	h := newHarness(t)
	issued := issueAuthorized(t, h)
	transportErr := fmt.Errorf("%w: timeout", domain.ErrTransport)
	var firstXML string
	h.transport.On("SendEvent", mock.Anything, eventSeq("1")).
		Run(func(args mock.Arguments) { firstXML = string(args.Get(1).(infranfe.EventRequest).SignedXML) }).
		Return(nil, transportErr).Once()

	res, err := h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	assert.ErrorIs(t, err, domain.ErrTransport)
	require.NotNil(t, res)
	assert.Equal(t, entity.EventStatusPending, res.EventStatus)

	h.transport.On("SendEvent", mock.Anything, mock.MatchedBy(func(r infranfe.EventRequest) bool {
		return string(r.SignedXML) == firstXML
	})).Return(eventResult(pkgnfe.StatEventRegistered, "1"), nil).Once()
	res, err = h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sequence)
	assert.Equal(t, entity.DocumentStatusCancelled, res.Status)

	events, err := h.svc.Events(context.Background(), issued.DocumentID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, entity.EventStatusRegistered, events[0].Status)
	h.transport.AssertExpectations(t)
}

func TestCancel_AutorizadaSinProtocolo(t *testing.T) {
	h := newHarness(t)
	issued := issueAuthorized(t, h)
	h.store.ClearProtocol(issued.DocumentID)

	_, err := h.svc.Cancel(context.Background(), issuedKey, "Cancelamento por erro de digitação no pedido")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	h.transport.AssertNotCalled(t, "SendEvent", mock.Anything, mock.Anything)

	events, err := h.svc.Events(context.Background(), issued.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCancel_JustificacionCorta(t *testing.T) {
	h := newHarness(t)
	issueAuthorized(t, h)
	_, err := h.svc.Cancel(context.Background(), issuedKey, "corta")
	assert.ErrorIs(t, err, domain.ErrValidation)
	h.transport.AssertNotCalled(t, "SendEvent", mock.Anything, mock.Anything)
}

// ──────────────────────────────────────────────────────────────────────────────
// Consultas
// ──────────────────────────────────────────────────────────────────────────────

func TestQueryAuthorityStatus(t *testing.T) {
	h := newHarness(t)
	h.transport.On("QueryServiceStatus", mock.Anything, mock.MatchedBy(func(r infranfe.StatusRequest) bool {
		return r.UF == "SP" && r.Environment == "2"
	})).Return(&infranfe.ServiceStatus{Available: true, StatusCode: "107", Message: "Serviço em Operação"}, nil).Once()

	st, err := h.svc.QueryAuthorityStatus(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.Equal(t, "107", st.StatusCode)

	_, err = h.svc.QueryAuthorityStatus(context.Background(), "3")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetByAccessKey_ClaveInvalida(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetByAccessKey(context.Background(), "123")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.GetByAccessKey(context.Background(), issuedKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
