package transition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordflow/internal/domain"
)

func at(kind domain.Kind, status domain.Status) Context {
	return Context{
		Entity: domain.Entity{Kind: kind, Status: status},
		Now:    time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestTablesAreWellFormed(t *testing.T) {
	reg := Default()
	for _, kind := range domain.Kinds {
		tbl, ok := reg.Table(kind)
		require.True(t, ok, "missing table for %s", kind)
		require.NoError(t, tbl.Check())
	}
}

func TestExhaustiveness(t *testing.T) {
	reg := Default()
	for _, kind := range domain.Kinds {
		tbl, _ := reg.Table(kind)
		if tbl.Derived {
			assert.Empty(t, tbl.Rules, "derived kind %s must not declare rules", kind)
			continue
		}
		for _, st := range tbl.States {
			var forward, admin int
			for _, r := range tbl.Rules {
				if r.From != st.Name {
					continue
				}
				if r.Admin {
					admin++
				} else {
					forward++
				}
			}
			if st.Terminal {
				assert.Zero(t, forward, "%s/%s is terminal but has forward actions", kind, st.Name)
			} else {
				assert.NotZero(t, forward, "%s/%s is a dead end", kind, st.Name)
				assert.Zero(t, admin, "%s/%s has admin action outside terminal state", kind, st.Name)
			}
		}
	}
}

func TestValidateInvalidTransition(t *testing.T) {
	reg := Default()
	_, _, err := reg.Validate(domain.KindDocument, ActionArchive, at(domain.KindDocument, DocumentDraft))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	var te domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, DocumentDraft, te.From)

	_, _, err = reg.Validate(domain.KindDocument, "fly", at(domain.KindDocument, DocumentDraft))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestValidateGuardFailed(t *testing.T) {
	reg := Default()
	_, _, err := reg.Validate(domain.KindDocument, ActionSubmit, at(domain.KindDocument, DocumentDraft))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGuardFailed)
	assert.NotErrorIs(t, err, domain.ErrInvalidTransition)
	var ge domain.GuardError
	require.True(t, errors.As(err, &ge))
	assert.Contains(t, ge.Reason, "attachment")

	c := at(domain.KindDocument, DocumentDraft)
	c.Entity.Attachments = []string{"file-1"}
	rule, next, err := reg.Validate(domain.KindDocument, ActionSubmit, c)
	require.NoError(t, err)
	assert.Equal(t, DocumentPendingValidation, next)
	assert.Equal(t, CustodyRoute, rule.Custody)
}

func TestDerivedKindRejectsActions(t *testing.T) {
	reg := Default()
	_, _, err := reg.Validate(domain.KindDigitizationBatch, ActionArchive, at(domain.KindDigitizationBatch, BatchInProgress))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, err, domain.ErrDerivedStatus)
}

func TestSuspendAndResumeToOrigin(t *testing.T) {
	reg := Default()
	for _, from := range []domain.Status{ProcessDraft, ProcessInProgress, ProcessAwaitingApproval, ProcessApproved} {
		c := at(domain.KindProcess, from)
		c.Payload.Reason = "waiting on court order"
		rule, next, err := reg.Validate(domain.KindProcess, ActionSuspend, c)
		require.NoError(t, err, "suspend from %s", from)
		assert.Equal(t, ProcessSuspended, next)
		assert.True(t, rule.Remember)

		c = at(domain.KindProcess, ProcessSuspended)
		c.Entity.ResumeStatus = from
		_, next, err = reg.Validate(domain.KindProcess, ActionResume, c)
		require.NoError(t, err)
		assert.Equal(t, from, next)
	}

	c := at(domain.KindProcess, ProcessConcluded)
	c.Payload.Reason = "x"
	_, _, err := reg.Validate(domain.KindProcess, ActionSuspend, c)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = reg.Validate(domain.KindProcess, ActionResume, at(domain.KindProcess, ProcessSuspended))
	assert.ErrorIs(t, err, domain.ErrGuardFailed)
}

func TestScanErrorRetriesToFailedState(t *testing.T) {
	reg := Default()
	for _, from := range []domain.Status{ScanScanning, ScanOCRProcessing} {
		c := at(domain.KindScannedDocument, from)
		c.Payload.Reason = "scanner jam"
		_, next, err := reg.Validate(domain.KindScannedDocument, ActionFail, c)
		require.NoError(t, err)
		assert.Equal(t, ScanError, next)

		c = at(domain.KindScannedDocument, ScanError)
		c.Entity.ResumeStatus = from
		_, next, err = reg.Validate(domain.KindScannedDocument, ActionRetry, c)
		require.NoError(t, err)
		assert.Equal(t, from, next)
	}
}

func TestScanFailNotAllowedFromQualityReview(t *testing.T) {
	c := at(domain.KindScannedDocument, ScanQualityReview)
	c.Payload.Reason = "scanner jam"
	_, _, err := Default().Validate(domain.KindScannedDocument, ActionFail, c)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestQualityGateUsesConfiguredMinimum(t *testing.T) {
	reg := Default()
	conf := 0.7
	c := at(domain.KindScannedDocument, ScanQualityReview)
	c.Entity.OCRConfidence = &conf
	c.MinOCRConfidence = 0.75
	_, _, err := reg.Validate(domain.KindScannedDocument, ActionApproveQuality, c)
	assert.ErrorIs(t, err, domain.ErrGuardFailed)

	c.MinOCRConfidence = 0.6
	_, next, err := reg.Validate(domain.KindScannedDocument, ActionApproveQuality, c)
	require.NoError(t, err)
	assert.Equal(t, ScanCompleted, next)
}

func TestRoundOutcomeGuards(t *testing.T) {
	reg := Default()
	c := at(domain.KindDispatch, DispatchEmitted)

	_, _, err := reg.Validate(domain.KindDispatch, ActionMakeEffective, c)
	assert.ErrorIs(t, err, domain.ErrGuardFailed)

	c.Round = &domain.ApprovalRound{ID: "r1", Outcome: domain.OutcomePending}
	_, _, err = reg.Validate(domain.KindDispatch, ActionMakeEffective, c)
	var ge domain.GuardError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "approval round still open", ge.Reason)

	c.Round.Outcome = domain.OutcomeReturned
	_, _, err = reg.Validate(domain.KindDispatch, ActionMakeEffective, c)
	assert.ErrorIs(t, err, domain.ErrGuardFailed)
	_, next, err := reg.Validate(domain.KindDispatch, ActionReturn, c)
	require.NoError(t, err)
	assert.Equal(t, DispatchReturned, next)
}

func TestOutcomeAction(t *testing.T) {
	reg := Default()
	action, ok := reg.OutcomeAction(domain.KindDispatch, DispatchEmitted, domain.OutcomeApproved)
	require.True(t, ok)
	assert.Equal(t, ActionMakeEffective, action)

	action, ok = reg.OutcomeAction(domain.KindProcess, ProcessAwaitingApproval, domain.OutcomeReturned)
	require.True(t, ok)
	assert.Equal(t, ActionReturn, action)

	_, ok = reg.OutcomeAction(domain.KindProcess, ProcessSuspended, domain.OutcomeApproved)
	assert.False(t, ok)
	_, ok = reg.OutcomeAction(domain.KindDocument, DocumentPendingValidation, domain.OutcomeApproved)
	assert.False(t, ok)
}

func TestEmitRefusesDuplicateRecipients(t *testing.T) {
	reg := Default()
	c := at(domain.KindDispatch, DispatchDraft)
	c.Payload.Recipients = []string{"unit-a", "unit-a"}
	_, _, err := reg.Validate(domain.KindDispatch, ActionEmit, c)
	assert.ErrorIs(t, err, domain.ErrGuardFailed)

	c.Payload.Recipients = []string{"unit-a", "unit-b"}
	rule, next, err := reg.Validate(domain.KindDispatch, ActionEmit, c)
	require.NoError(t, err)
	assert.True(t, rule.OpensRound)
	assert.Equal(t, DispatchEmitted, next)
}

func TestAvailable(t *testing.T) {
	reg := Default()
	c := at(domain.KindDocument, DocumentPendingValidation)
	got := reg.Available(domain.KindDocument, c)
	assert.Equal(t, []domain.Action{ActionValidate}, got)

	c.Payload = domain.ActionPayload{Reason: "r", ToUnit: "legal"}
	got = reg.Available(domain.KindDocument, c)
	assert.Equal(t, []domain.Action{ActionForward, ActionReject, ActionRequestCorrection, ActionValidate}, got)
}
