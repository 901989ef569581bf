package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipmatch/internal/domain"
	"shipmatch/internal/events"
	"shipmatch/internal/service"
)

func openDispute(t *testing.T, h *harness, m *domain.Match, by domain.Actor) *domain.Dispute {
	t.Helper()
	d, err := h.disputes.OpenDispute(context.Background(), service.OpenDisputeRequest{
		MatchID:     m.ID,
		Caller:      by,
		Reason:      "item damaged",
		Description: "box arrived crushed",
	})
	require.NoError(t, err)
	return d
}

func refundOf(v int64) *int64 { return &v }

// ──────────────────────────────────────────────
// OPENING
// ──────────────────────────────────────────────

func TestOpenDispute_SenderAfterDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	m := h.deliveredMatch(t)

	d := openDispute(t, h, m, sender)

	assert.Equal(t, domain.DisputeStatusOpen, d.Status)
	assert.Equal(t, domain.DisputePartySender, d.OpenedBy)
	assert.Equal(t, "item damaged", d.Reason)

	e := h.escrow(t, m.ID)
	assert.Equal(t, domain.EscrowStatusDisputeOpened, e.Status)
	assert.True(t, e.ConfirmationDeadline.IsZero())
	assert.Equal(t, domain.MatchStatusDisputed, h.match(t, m.ID).Status)
	assert.Len(t, h.recorder.OfType(events.TypeDisputeOpened), 1)

	view, err := h.matches.GetMatch(context.Background(), m.ID, sender)
	require.NoError(t, err)
	assert.Equal(t, d.ID, view.DisputeID)
}

func TestOpenDispute_FreezesAutoConfirm(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{payOnRelease: true})
	h.registerPayoutMethod(t)
	m := h.deliveredMatch(t)
	openDispute(t, h, m, sender)

	h.clock.Advance(2 * confirmationWindow)
	res := h.sweeper.SweepOnce(context.Background())

	assert.Zero(t, res.AutoConfirmed)
	assert.Equal(t, domain.EscrowStatusDisputeOpened, h.escrow(t, m.ID).Status)
	assert.Equal(t, int32(0), h.provider.PayoutCallCount)
}

func TestOpenDispute_CarrierWhileEscrowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	m := h.escrowedMatch(t)

	d := openDispute(t, h, m, carrier)
	assert.Equal(t, domain.DisputePartyCarrier, d.OpenedBy)
	assert.Equal(t, domain.EscrowStatusDisputeOpened, h.escrow(t, m.ID).Status)
}

func TestOpenDispute_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	escrowed := h.escrowedMatch(t)
	_, err := h.disputes.OpenDispute(ctx, service.OpenDisputeRequest{MatchID: escrowed.ID, Caller: sender, Reason: "late"})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
	assert.Equal(t, domain.EscrowStatusEscrowed, h.escrow(t, escrowed.ID).Status)

	delivered := h.deliveredMatch(t)
	_, err = h.disputes.OpenDispute(ctx, service.OpenDisputeRequest{MatchID: delivered.ID, Caller: other, Reason: "late"})
	assert.ErrorIs(t, err, service.ErrNotParticipant)

	_, err = h.disputes.OpenDispute(ctx, service.OpenDisputeRequest{MatchID: delivered.ID, Caller: sender, Reason: "   "})
	assert.ErrorIs(t, err, service.ErrDisputeReasonRequired)
	assert.Equal(t, domain.EscrowStatusDeliveredByTransporter, h.escrow(t, delivered.ID).Status)

	openDispute(t, h, delivered, sender)
	_, err = h.disputes.OpenDispute(ctx, service.OpenDisputeRequest{MatchID: delivered.ID, Caller: carrier, Reason: "again"})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestOpenDispute_AfterConfirmationRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	m := h.deliveredMatch(t)
	_, err := h.delivery.ConfirmDelivery(context.Background(), m.ID, sender.ID, "")
	require.NoError(t, err)

	_, err = h.disputes.OpenDispute(context.Background(), service.OpenDisputeRequest{MatchID: m.ID, Caller: sender, Reason: "changed my mind"})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

// ──────────────────────────────────────────────
// THREAD AND REVIEW
// ──────────────────────────────────────────────

func TestAddNote_MessagesAndAdminNotes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	m := h.deliveredMatch(t)
	d := openDispute(t, h, m, sender)

	updated, err := h.disputes.AddNote(ctx, d.ID, carrier, "it was fine when I left it")
	require.NoError(t, err)
	require.Len(t, updated.Messages, 1)
	assert.Equal(t, carrier.ID, updated.Messages[0].AuthorID)
	assert.Equal(t, domain.DisputeStatusOpen, updated.Status)

	msgs := h.recorder.OfType(events.TypeDisputeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{sender.ID}, msgs[0].Recipients)

	updated, err = h.disputes.AddNote(ctx, d.ID, admin, "asked for photos")
	require.NoError(t, err)
	assert.Len(t, updated.AdminNotes, 1)
	assert.Len(t, updated.Messages, 1)

	_, err = h.disputes.AddNote(ctx, d.ID, other, "hello")
	assert.ErrorIs(t, err, service.ErrNotParticipant)

	_, err = h.disputes.AddNote(ctx, d.ID, sender, " ")
	assert.ErrorIs(t, err, service.ErrEmptyNote)
}

func TestStartReview(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	d := openDispute(t, h, h.deliveredMatch(t), sender)

	_, err := h.disputes.StartReview(ctx, d.ID, sender)
	assert.ErrorIs(t, err, service.ErrAdminRequired)

	reviewed, err := h.disputes.StartReview(ctx, d.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusUnderReview, reviewed.Status)
	assert.Len(t, h.recorder.OfType(events.TypeDisputeUnderReview), 1)

	_, err = h.disputes.StartReview(ctx, d.ID, admin)
	assert.ErrorIs(t, err, service.ErrDisputeNotOpen)
}

func TestGetDispute_Visibility(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	d := openDispute(t, h, h.deliveredMatch(t), sender)

	for _, caller := range []domain.Actor{sender, carrier, admin} {
		_, err := h.disputes.GetDispute(ctx, d.ID, caller)
		assert.NoError(t, err, caller.ID)
	}
	_, err := h.disputes.GetDispute(ctx, d.ID, other)
	assert.ErrorIs(t, err, service.ErrNotParticipant)

	_, err = h.disputes.GetDispute(ctx, "missing", admin)
	assert.ErrorIs(t, err, service.ErrDisputeNotFound)
}

// ──────────────────────────────────────────────
// RESOLUTION
// ──────────────────────────────────────────────

func TestResolve_SplitRefundsAndPaysRemainder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{payOnRelease: true})
	h.registerPayoutMethod(t)
	ctx := context.Background()
	m := h.deliveredMatch(t)
	d := openDispute(t, h, m, sender)

	resolved, e, err := h.disputes.Resolve(ctx, service.ResolveRequest{
		DisputeID:    d.ID,
		Admin:        admin,
		Type:         domain.ResolutionSplit,
		RefundAmount: refundOf(5000),
		Notes:        "shared fault",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DisputeStatusResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, int64(5000), resolved.Resolution.RefundAmount)
	assert.Equal(t, admin.ID, resolved.Resolution.ResolvedBy)

	assert.Equal(t, domain.EscrowStatusPayoutCompleted, e.Status)
	assert.Equal(t, testCarrierAmount, e.CarrierAmount)
	assert.Equal(t, int64(5000), e.RefundedAmount)
	assert.Equal(t, int64(5000), h.provider.Refunded(m.ID))
	assert.Equal(t, int64(5000), h.provider.PaidOut(m.ID))
	assert.Len(t, h.recorder.OfType(events.TypeRefundIssued), 1)
	assert.Len(t, h.recorder.OfType(events.TypeDisputeResolved), 1)

	_, _, err = h.disputes.Resolve(ctx, service.ResolveRequest{DisputeID: d.ID, Admin: admin, Type: domain.ResolutionCarrier})
	assert.ErrorIs(t, err, service.ErrDisputeResolved)

	_, err = h.disputes.AddNote(ctx, d.ID, sender, "one more thing")
	assert.ErrorIs(t, err, service.ErrDisputeResolved)
}

func TestResolve_Defaults(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		resolution domain.ResolutionType
		wantStatus domain.EscrowStatus
		wantRefund int64
		wantPayout int64
		wantPath   domain.ConfirmationPath
	}{
		{"sender gets everything back", domain.ResolutionSender, domain.EscrowStatusRefunded, testCarrierAmount, 0, ""},
		{"split defaults to half", domain.ResolutionSplit, domain.EscrowStatusPayoutCompleted, testCarrierAmount / 2, testCarrierAmount / 2, ""},
		{"carrier paid in full", domain.ResolutionCarrier, domain.EscrowStatusPayoutCompleted, 0, testCarrierAmount, domain.ConfirmationPathDispute},
		{"dismissed pays carrier", domain.ResolutionDismissed, domain.EscrowStatusPayoutCompleted, 0, testCarrierAmount, domain.ConfirmationPathDispute},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, harnessOptions{payOnRelease: true})
			h.registerPayoutMethod(t)
			m := h.deliveredMatch(t)
			d := openDispute(t, h, m, sender)

			_, e, err := h.disputes.Resolve(context.Background(), service.ResolveRequest{
				DisputeID: d.ID,
				Admin:     admin,
				Type:      tc.resolution,
			})
			require.NoError(t, err)

			assert.Equal(t, tc.wantStatus, e.Status)
			assert.Equal(t, tc.wantRefund, e.RefundedAmount)
			assert.Equal(t, tc.wantRefund, h.provider.Refunded(m.ID))
			assert.Equal(t, tc.wantPayout, h.provider.PaidOut(m.ID))
			assert.Equal(t, tc.wantPath, e.ConfirmationPath)
		})
	}
}

func TestResolve_SenderRefundClosesMatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{payOnRelease: true})
	h.registerPayoutMethod(t)
	m := h.deliveredMatch(t)
	d := openDispute(t, h, m, sender)

	_, e, err := h.disputes.Resolve(context.Background(), service.ResolveRequest{DisputeID: d.ID, Admin: admin, Type: domain.ResolutionSender})
	require.NoError(t, err)

	assert.Equal(t, domain.EscrowStatusRefunded, e.Status)
	assert.NotEmpty(t, e.RefundRef)
	assert.Equal(t, domain.MatchStatusRefunded, h.match(t, m.ID).Status)
	assert.Equal(t, int32(0), h.provider.PayoutCallCount)

	// Nothing left for the sweeper.
	assert.Equal(t, service.SweepResult{}, h.sweeper.SweepOnce(context.Background()))
}

func TestResolve_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	d := openDispute(t, h, h.deliveredMatch(t), sender)

	testCases := []struct {
		name    string
		req     service.ResolveRequest
		wantErr error
	}{
		{"not admin", service.ResolveRequest{Admin: sender, Type: domain.ResolutionSender}, service.ErrAdminRequired},
		{"unknown type", service.ResolveRequest{Admin: admin, Type: "coin_flip"}, service.ErrInvalidResolutionType},
		{"negative refund", service.ResolveRequest{Admin: admin, Type: domain.ResolutionSplit, RefundAmount: refundOf(-1)}, service.ErrInvalidRefundAmount},
		{"refund over carrier amount", service.ResolveRequest{Admin: admin, Type: domain.ResolutionSplit, RefundAmount: refundOf(testCarrierAmount + 1)}, service.ErrRefundExceedsAmount},
		{"zero refund for sender", service.ResolveRequest{Admin: admin, Type: domain.ResolutionSender, RefundAmount: refundOf(0)}, service.ErrRefundRequired},
		{"refund on carrier outcome", service.ResolveRequest{Admin: admin, Type: domain.ResolutionCarrier, RefundAmount: refundOf(100)}, service.ErrRefundNotAllowed},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.DisputeID = d.ID
			_, _, err := h.disputes.Resolve(context.Background(), req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	stored, err := h.disputes.GetDispute(context.Background(), d.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusOpen, stored.Status)
	assert.Nil(t, stored.Resolution)
}

func TestResolve_RefundFailureRetriedBySweeper(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{payOnRelease: true})
	h.registerPayoutMethod(t)
	m := h.deliveredMatch(t)
	d := openDispute(t, h, m, sender)

	h.provider.SetRefundError(errProviderDown)
	resolved, e, err := h.disputes.Resolve(context.Background(), service.ResolveRequest{DisputeID: d.ID, Admin: admin, Type: domain.ResolutionSplit})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusResolved, resolved.Status)
	assert.Equal(t, domain.EscrowStatusRefunded, e.Status)
	assert.Empty(t, e.RefundRef)

	h.provider.SetRefundError(nil)
	res := h.sweeper.SweepOnce(context.Background())
	assert.Equal(t, 1, res.RefundsSettled)

	final := h.escrow(t, m.ID)
	assert.Equal(t, domain.EscrowStatusPayoutCompleted, final.Status)
	assert.Equal(t, testCarrierAmount/2, h.provider.Refunded(m.ID))
	assert.Equal(t, testCarrierAmount/2, h.provider.PaidOut(m.ID))
}

func TestResolve_ConcurrentAdminsOneWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	h.registerPayoutMethod(t)
	m := h.deliveredMatch(t)
	d := openDispute(t, h, m, sender)

	types := []domain.ResolutionType{domain.ResolutionSender, domain.ResolutionCarrier, domain.ResolutionSplit, domain.ResolutionDismissed}

	var (
		wg   sync.WaitGroup
		wins int32
	)
	for i := 0; i < 8; i++ {
		rt := types[i%len(types)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.disputes.Resolve(context.Background(), service.ResolveRequest{DisputeID: d.ID, Admin: admin, Type: rt})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.True(t,
				errors.Is(err, service.ErrDisputeResolved) || errors.Is(err, service.ErrInvalidTransition),
				"unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Len(t, h.recorder.OfType(events.TypeDisputeResolved), 1)

	stored, err := h.disputes.GetDispute(context.Background(), d.ID, admin)
	require.NoError(t, err)
	assert.True(t, stored.IsResolved())
}
