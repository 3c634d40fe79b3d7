package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/pkg/pagination"
)

type recordingHook struct {
	settled []string
	err     error
}

func (h *recordingHook) Settled(_ context.Context, inv *Invoice) error {
	if h.err != nil {
		return h.err
	}
	h.settled = append(h.settled, inv.InvoiceNumber)
	return nil
}

func newTestService() (*Service, *MemoryRepo, *recordingHook) {
	repo := NewMemoryRepo()
	seq := sequence.NewSequencer(sequence.NewMemoryRepo(), db.NoopTx{}, time.UTC)
	seq.SetClock(func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) })
	hook := &recordingHook{}
	svc := NewService(repo, db.NoopTx{}, seq)
	svc.SetSettlementHook(hook)
	return svc, repo, hook
}

func createInvoice(t *testing.T, svc *Service, total float64) *Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), NewInvoice{
		PatientID:   uuid.New(),
		Origin:      RegistrationOrigin(),
		TotalAmount: total,
	})
	require.NoError(t, err)
	return inv
}

func assertConserved(t *testing.T, inv *Invoice) {
	t.Helper()
	assert.InDelta(t, inv.TotalAmount, inv.PaidAmount+inv.WaivedAmount+inv.Balance, 1e-9,
		"total %.2f != paid %.2f + waived %.2f + balance %.2f", inv.TotalAmount, inv.PaidAmount, inv.WaivedAmount, inv.Balance)
	assert.GreaterOrEqual(t, inv.Balance, 0.0)
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name                string
		total, paid, waived float64
		cancelled           bool
		want                InvoiceStatus
	}{
		{"untouched", 200, 0, 0, false, InvoicePending},
		{"part paid", 200, 50, 0, false, InvoicePartial},
		{"part waived", 200, 0, 20, false, InvoicePartial},
		{"fully paid", 200, 200, 0, false, InvoicePaid},
		{"paid within epsilon", 200, 199.995, 0, false, InvoicePaid},
		{"fully waived", 500, 0, 500, false, InvoicePaid},
		{"mixed settle", 300, 100, 200, false, InvoicePaid},
		{"cancelled wins", 200, 0, 0, true, InvoiceCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.total, tt.paid, tt.waived, tt.cancelled))
		})
	}
}

func TestInvoiceStatus_Settled(t *testing.T) {
	assert.True(t, InvoicePaid.Settled())
	assert.True(t, InvoiceWaived.Settled())
	assert.False(t, InvoicePartial.Settled())
	assert.False(t, InvoiceCancelled.Settled())
}

func TestOrigin_Validate(t *testing.T) {
	assert.NoError(t, RegistrationOrigin().Validate())
	assert.NoError(t, ConsultationOrigin(uuid.New()).Validate())
	assert.Error(t, Origin{Kind: OriginPrescription}.Validate())
	assert.Error(t, Origin{Kind: "lab"}.Validate())
}

func TestCreateInvoice_FromItems(t *testing.T) {
	svc, repo, _ := newTestService()
	rx := uuid.New()
	inv, err := svc.CreateInvoice(context.Background(), NewInvoice{
		PatientID: uuid.New(),
		Origin:    PrescriptionOrigin(rx),
		Items: []InvoiceItem{
			{Description: "Amoxicillin 500mg", Quantity: 21, UnitPrice: 2.5},
			{Description: "Paracetamol 1g", Quantity: 10, UnitPrice: 0.8},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-20240301-00001", inv.InvoiceNumber)
	assert.InDelta(t, 60.5, inv.TotalAmount, 1e-9)
	assert.InDelta(t, 60.5, inv.Balance, 1e-9)
	assert.Equal(t, InvoicePending, inv.Status)
	assert.Equal(t, rx, *inv.Origin.RefID)
	assert.Len(t, repo.items[inv.ID], 2)
}

func TestCreateInvoice_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateInvoice(ctx, NewInvoice{Origin: RegistrationOrigin(), TotalAmount: 10})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
	_, err = svc.CreateInvoice(ctx, NewInvoice{PatientID: uuid.New()})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
	_, err = svc.CreateInvoice(ctx, NewInvoice{PatientID: uuid.New(), Origin: Origin{Kind: OriginConsultation}, TotalAmount: 10})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
	_, err = svc.CreateInvoice(ctx, NewInvoice{PatientID: uuid.New(), Items: []InvoiceItem{{Description: "x", Quantity: 0, UnitPrice: 1}}})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestCreateInvoice_SequentialNumbers(t *testing.T) {
	svc, _, _ := newTestService()
	a := createInvoice(t, svc, 10)
	b := createInvoice(t, svc, 10)
	assert.Equal(t, "INV-20240301-00001", a.InvoiceNumber)
	assert.Equal(t, "INV-20240301-00002", b.InvoiceNumber)
}

// Registration invoice of 200 paid in full settles and fires the hook once.
func TestRecordPayment_FullSettles(t *testing.T) {
	svc, repo, hook := newTestService()
	inv := createInvoice(t, svc, 200)

	got, pay, err := svc.RecordPayment(context.Background(), inv.ID, PaymentRequest{Amount: 200, Method: MethodCash})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, got.Status)
	assert.Zero(t, got.Balance)
	assert.Equal(t, 200.0, pay.Amount)
	assertConserved(t, got)
	assert.Equal(t, []string{inv.InvoiceNumber}, hook.settled)
	assert.Len(t, repo.payments, 1)
}

func TestRecordPayment_PartialThenFull(t *testing.T) {
	svc, _, hook := newTestService()
	inv := createInvoice(t, svc, 200)
	ctx := context.Background()

	got, _, err := svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 75.5})
	require.NoError(t, err)
	assert.Equal(t, InvoicePartial, got.Status)
	assert.InDelta(t, 124.5, got.Balance, 1e-9)
	assertConserved(t, got)
	assert.Empty(t, hook.settled)

	got, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 124.5, Method: MethodMobileMoney})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, got.Status)
	assertConserved(t, got)
	assert.Len(t, hook.settled, 1)
}

func TestRecordPayment_Rejections(t *testing.T) {
	svc, _, hook := newTestService()
	inv := createInvoice(t, svc, 100)
	ctx := context.Background()

	_, _, err := svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 0})
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	_, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 10, Method: "cheque"})
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	_, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 100.5})
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	_, _, err = svc.RecordPayment(ctx, uuid.New(), PaymentRequest{Amount: 10})
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 100})
	require.NoError(t, err)
	_, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 1})
	assert.True(t, apperror.Is(err, apperror.KindConflict), "settled invoices take no more money")
	assert.Len(t, hook.settled, 1)
}

func TestRecordPayment_WithinEpsilonIsTrimmed(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, 100)

	got, pay, err := svc.RecordPayment(context.Background(), inv.ID, PaymentRequest{Amount: 100.01})
	require.NoError(t, err)
	assert.Equal(t, 100.0, pay.Amount)
	assert.Equal(t, InvoicePaid, got.Status)
	assertConserved(t, got)
}

func TestRecordPayment_HookFailureAbortsSettlement(t *testing.T) {
	svc, _, hook := newTestService()
	inv := createInvoice(t, svc, 50)
	hook.err = errors.New("outbox unavailable")

	_, _, err := svc.RecordPayment(context.Background(), inv.ID, PaymentRequest{Amount: 50})
	assert.EqualError(t, err, "outbox unavailable")
	assert.Empty(t, hook.settled)
}

// Waiver for the full balance of 500 approved twice: balance 0, status
// paid, hook fired once.
func TestApproveWaiver_FullBalanceOnce(t *testing.T) {
	svc, _, hook := newTestService()
	inv := createInvoice(t, svc, 500)
	ctx := context.Background()

	w, err := svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 500, Reason: "indigent patient"})
	require.NoError(t, err)
	assert.Equal(t, "WVR-20240301-0001", w.WaiverNumber)
	assert.Equal(t, WaiverPending, w.Status)

	unchanged, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, unchanged.Balance, "request must not move the balance")

	approved, got, err := svc.ApproveWaiver(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WaiverApproved, approved.Status)
	assert.NotNil(t, approved.ReviewedAt)
	assert.Zero(t, got.Balance)
	assert.Equal(t, InvoicePaid, got.Status)
	assert.Equal(t, 500.0, got.WaivedAmount)
	assertConserved(t, got)

	_, _, err = svc.ApproveWaiver(ctx, w.ID)
	assert.True(t, apperror.Is(err, apperror.KindConflict))
	assert.Len(t, hook.settled, 1)
}

func TestApproveWaiver_PartialThenPayment(t *testing.T) {
	svc, _, hook := newTestService()
	inv := createInvoice(t, svc, 300)
	ctx := context.Background()

	w, err := svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 100, Reason: "staff discount"})
	require.NoError(t, err)
	_, got, err := svc.ApproveWaiver(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePartial, got.Status)
	assert.Empty(t, hook.settled)

	got, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 200})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, got.Status)
	assertConserved(t, got)
	assert.Len(t, hook.settled, 1)
}

func TestApproveWaiver_BalanceShrankSinceRequest(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, 100)
	ctx := context.Background()

	w, err := svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 80, Reason: "hardship"})
	require.NoError(t, err)
	_, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 50})
	require.NoError(t, err)

	_, _, err = svc.ApproveWaiver(ctx, w.ID)
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	still, err := svc.GetWaiver(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WaiverPending, still.Status)
}

// Rejecting a pending waiver leaves the balance exactly where it was.
func TestRejectWaiver_BalanceUnchanged(t *testing.T) {
	svc, _, hook := newTestService()
	inv := createInvoice(t, svc, 500)
	ctx := context.Background()

	_, _, err := svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 120.25})
	require.NoError(t, err)
	before, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)

	w, err := svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 379.75, Reason: "appeal"})
	require.NoError(t, err)
	_, err = svc.RejectWaiver(ctx, w.ID, "")
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	rejected, err := svc.RejectWaiver(ctx, w.ID, "insufficient documentation")
	require.NoError(t, err)
	assert.Equal(t, WaiverRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)

	after, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Balance, after.Balance)
	assert.Equal(t, before.Status, after.Status)
	assertConserved(t, after)
	assert.Empty(t, hook.settled)

	_, _, err = svc.ApproveWaiver(ctx, w.ID)
	assert.True(t, apperror.Is(err, apperror.KindConflict))
}

func TestRequestWaiver_Rules(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, 100)
	ctx := context.Background()

	_, err := svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 10})
	assert.True(t, apperror.Is(err, apperror.KindValidation), "reason required")

	_, err = svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 150, Reason: "x"})
	assert.True(t, apperror.Is(err, apperror.KindConflict), "more than balance")

	_, err = svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 10, Reason: "x"})
	require.NoError(t, err)
	_, err = svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 10, Reason: "y"})
	assert.True(t, apperror.Is(err, apperror.KindConflict), "one pending waiver per invoice")

	paid := createInvoice(t, svc, 20)
	_, _, err = svc.RecordPayment(ctx, paid.ID, PaymentRequest{Amount: 20})
	require.NoError(t, err)
	_, err = svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: paid.ID, WaivedAmount: 5, Reason: "x"})
	assert.True(t, apperror.Is(err, apperror.KindConflict), "settled invoice")
}

func TestCancelInvoice(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	inv := createInvoice(t, svc, 40)
	got, err := svc.CancelInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceCancelled, got.Status)
	assertConserved(t, got)

	_, _, err = svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 10})
	assert.True(t, apperror.Is(err, apperror.KindConflict))
	_, err = svc.CancelInvoice(ctx, inv.ID)
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	paid := createInvoice(t, svc, 40)
	_, _, err = svc.RecordPayment(ctx, paid.ID, PaymentRequest{Amount: 10})
	require.NoError(t, err)
	_, err = svc.CancelInvoice(ctx, paid.ID)
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	waived := createInvoice(t, svc, 40)
	_, err = svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: waived.ID, WaivedAmount: 5, Reason: "x"})
	require.NoError(t, err)
	_, err = svc.CancelInvoice(ctx, waived.ID)
	assert.True(t, apperror.Is(err, apperror.KindConflict))
}

func TestBalanceConservation_MixedSequence(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, 333.33)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, _, err := svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 33.33}); return err },
		func() error {
			w, err := svc.RequestWaiver(ctx, WaiverRequest{InvoiceID: inv.ID, WaivedAmount: 100.1, Reason: "a"})
			if err != nil {
				return err
			}
			_, _, err = svc.ApproveWaiver(ctx, w.ID)
			return err
		},
		func() error { _, _, err := svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 0.07}); return err },
		func() error { _, _, err := svc.RecordPayment(ctx, inv.ID, PaymentRequest{Amount: 199.83}); return err },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		cur, err := svc.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assertConserved(t, cur)
	}
	final, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, final.Status)
}

func TestPayables(t *testing.T) {
	svc, _, hook := newTestService()
	ctx := context.Background()

	_, err := svc.CreatePayable(ctx, NewPayable{TotalAmount: 10})
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	p, err := svc.CreatePayable(ctx, NewPayable{VendorName: "MedSupplies Ltd", TotalAmount: 1000})
	require.NoError(t, err)
	assert.Equal(t, "PAY-20240301-0001", p.PayableNumber)

	p, _, err = svc.RecordPayablePayment(ctx, p.ID, PaymentRequest{Amount: 400, Method: MethodBankTransfer})
	require.NoError(t, err)
	assert.Equal(t, PayablePartial, p.Status)
	assert.Equal(t, 600.0, p.Balance)

	_, _, err = svc.RecordPayablePayment(ctx, p.ID, PaymentRequest{Amount: 700})
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	p, _, err = svc.RecordPayablePayment(ctx, p.ID, PaymentRequest{Amount: 600})
	require.NoError(t, err)
	assert.Equal(t, PayablePaid, p.Status)
	assert.InDelta(t, p.TotalAmount, p.PaidAmount+p.Balance, 1e-9)

	payments, err := svc.ListPayablePayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
	assert.Empty(t, hook.settled, "payables never progress a patient")
}

func TestListInvoices_Filter(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	a := createInvoice(t, svc, 10)
	createInvoice(t, svc, 20)
	_, _, err := svc.RecordPayment(ctx, a.ID, PaymentRequest{Amount: 10})
	require.NoError(t, err)

	items, total, err := svc.ListInvoices(ctx, InvoiceFilter{Status: InvoicePaid}, pagination.Params{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, a.ID, items[0].ID)

	_, _, err = svc.ListInvoices(ctx, InvoiceFilter{Status: "overdue"}, pagination.Params{Limit: 10})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}
