package transition

import "recordflow/internal/domain"

const (
	DocumentDraft             domain.Status = "draft"
	DocumentPendingValidation domain.Status = "pending_validation"
	DocumentPendingCorrection domain.Status = "pending_correction"
	DocumentValidated         domain.Status = "validated"
	DocumentRejected          domain.Status = "rejected"
	DocumentDispatched        domain.Status = "dispatched"
	DocumentArchived          domain.Status = "archived"
)

const (
	ProcessDraft            domain.Status = "rascunho"
	ProcessInProgress       domain.Status = "em_andamento"
	ProcessAwaitingApproval domain.Status = "aguardando_aprovacao"
	ProcessApproved         domain.Status = "aprovado"
	ProcessRejected         domain.Status = "rejeitado"
	ProcessConcluded        domain.Status = "concluido"
	ProcessArchived         domain.Status = "arquivado"
	ProcessSuspended        domain.Status = "suspenso"
)

const (
	DispatchDraft     domain.Status = "draft"
	DispatchEmitted   domain.Status = "emitted"
	DispatchEffective domain.Status = "effective"
	DispatchReturned  domain.Status = "returned"
	DispatchRejected  domain.Status = "rejected"
	DispatchArchived  domain.Status = "archived"
)

const (
	ScanPending       domain.Status = "pending"
	ScanScanning      domain.Status = "scanning"
	ScanOCRProcessing domain.Status = "ocr_processing"
	ScanQualityReview domain.Status = "quality_review"
	ScanCompleted     domain.Status = "completed"
	ScanRejected      domain.Status = "rejected"
	ScanError         domain.Status = "error"
)

const (
	BatchInProgress domain.Status = "in_progress"
	BatchCompleted  domain.Status = "completed"
	BatchError      domain.Status = "error"
)

const (
	ActionSubmit            domain.Action = "submit"
	ActionResubmit          domain.Action = "resubmit"
	ActionValidate          domain.Action = "validate"
	ActionReject            domain.Action = "reject"
	ActionRequestCorrection domain.Action = "request_correction"
	ActionForward           domain.Action = "forward"
	ActionDispatch          domain.Action = "dispatch"
	ActionArchive           domain.Action = "archive"
	ActionUnarchive         domain.Action = "unarchive"
	ActionStart             domain.Action = "start"
	ActionRequestApproval   domain.Action = "request_approval"
	ActionApprove           domain.Action = "approve"
	ActionReturn            domain.Action = "return"
	ActionConclude          domain.Action = "conclude"
	ActionSuspend           domain.Action = "suspend"
	ActionResume            domain.Action = "resume"
	ActionEmit              domain.Action = "emit"
	ActionMakeEffective     domain.Action = "make_effective"
	ActionRevise            domain.Action = "revise"
	ActionStartScan         domain.Action = "start_scan"
	ActionScanComplete      domain.Action = "scan_complete"
	ActionOCRComplete       domain.Action = "ocr_complete"
	ActionApproveQuality    domain.Action = "approve_quality"
	ActionRejectQuality     domain.Action = "reject_quality"
	ActionReprocess         domain.Action = "reprocess"
	ActionFail              domain.Action = "fail"
	ActionRetry             domain.Action = "retry"
)

func Document() Table {
	return Table{
		Kind: domain.KindDocument,
		States: []State{
			{Name: DocumentDraft, Initial: true},
			{Name: DocumentPendingValidation},
			{Name: DocumentPendingCorrection},
			{Name: DocumentValidated},
			{Name: DocumentRejected, Terminal: true},
			{Name: DocumentDispatched},
			{Name: DocumentArchived, Terminal: true},
		},
		Rules: []Rule{
			{From: DocumentDraft, Action: ActionSubmit, To: DocumentPendingValidation, Custody: CustodyRoute, Movement: domain.MovementRoute, Guard: RequireAttachments},
			{From: DocumentPendingValidation, Action: ActionValidate, To: DocumentValidated},
			{From: DocumentPendingValidation, Action: ActionReject, To: DocumentRejected, Guard: RequireReason},
			{From: DocumentPendingValidation, Action: ActionRequestCorrection, To: DocumentPendingCorrection, Custody: CustodyReturn, Movement: domain.MovementReturn, Guard: RequireReason},
			{From: DocumentPendingValidation, Action: ActionForward, To: DocumentPendingValidation, Custody: CustodyRoute, Movement: domain.MovementForward, Guard: RequireDestination},
			{From: DocumentPendingCorrection, Action: ActionResubmit, To: DocumentPendingValidation, Custody: CustodyRoute, Movement: domain.MovementRoute, Guard: RequireAttachments},
			{From: DocumentValidated, Action: ActionDispatch, To: DocumentDispatched, Custody: CustodyRoute, Movement: domain.MovementDispatch, Guard: RequireDestination},
			{From: DocumentDispatched, Action: ActionArchive, To: DocumentArchived, Remember: true, Custody: CustodyArchive, Movement: domain.MovementArchive},
			{From: DocumentArchived, Action: ActionUnarchive, Resume: true, Admin: true, Custody: CustodyReturn, Movement: domain.MovementUnarchive, Guard: RequireReason},
		},
	}
}

func Process() Table {
	t := Table{
		Kind: domain.KindProcess,
		States: []State{
			{Name: ProcessDraft, Initial: true},
			{Name: ProcessInProgress},
			{Name: ProcessAwaitingApproval},
			{Name: ProcessApproved},
			{Name: ProcessRejected, Terminal: true},
			{Name: ProcessConcluded, Terminal: true},
			{Name: ProcessArchived, Terminal: true},
			{Name: ProcessSuspended},
		},
		Rules: []Rule{
			{From: ProcessDraft, Action: ActionStart, To: ProcessInProgress},
			{From: ProcessInProgress, Action: ActionForward, To: ProcessInProgress, Custody: CustodyRoute, Movement: domain.MovementForward, Guard: RequireDestination},
			{From: ProcessInProgress, Action: ActionRequestApproval, To: ProcessAwaitingApproval, OpensRound: true, Guard: RequireRecipients},
			{From: ProcessAwaitingApproval, Action: ActionApprove, To: ProcessApproved, Guard: RequireOutcome(domain.OutcomeApproved)},
			{From: ProcessAwaitingApproval, Action: ActionReject, To: ProcessRejected, Guard: RequireOutcome(domain.OutcomeRejected)},
			{From: ProcessAwaitingApproval, Action: ActionReturn, To: ProcessInProgress, Guard: RequireOutcome(domain.OutcomeReturned)},
			{From: ProcessApproved, Action: ActionConclude, To: ProcessConcluded},
			{From: ProcessApproved, Action: ActionArchive, To: ProcessArchived, Remember: true, Custody: CustodyArchive, Movement: domain.MovementArchive},
			{From: ProcessSuspended, Action: ActionResume, Resume: true},
			{From: ProcessArchived, Action: ActionUnarchive, Resume: true, Admin: true, Custody: CustodyReturn, Movement: domain.MovementUnarchive, Guard: RequireReason},
		},
		Outcomes: map[domain.Outcome]domain.Action{
			domain.OutcomeApproved: ActionApprove,
			domain.OutcomeRejected: ActionReject,
			domain.OutcomeReturned: ActionReturn,
		},
	}
	// suspend is legal from every non-terminal status except suspenso itself
	for _, s := range t.States {
		if s.Terminal || s.Name == ProcessSuspended {
			continue
		}
		t.Rules = append(t.Rules, Rule{From: s.Name, Action: ActionSuspend, To: ProcessSuspended, Remember: true, Guard: RequireReason})
	}
	return t
}

func Dispatch() Table {
	return Table{
		Kind: domain.KindDispatch,
		States: []State{
			{Name: DispatchDraft, Initial: true},
			{Name: DispatchEmitted},
			{Name: DispatchEffective},
			{Name: DispatchReturned},
			{Name: DispatchRejected, Terminal: true},
			{Name: DispatchArchived, Terminal: true},
		},
		Rules: []Rule{
			{From: DispatchDraft, Action: ActionEmit, To: DispatchEmitted, OpensRound: true, Guard: RequireRecipients},
			{From: DispatchEmitted, Action: ActionMakeEffective, To: DispatchEffective, Guard: RequireOutcome(domain.OutcomeApproved)},
			{From: DispatchEmitted, Action: ActionReturn, To: DispatchReturned, Custody: CustodyReturn, Movement: domain.MovementReturn, Guard: RequireOutcome(domain.OutcomeReturned)},
			{From: DispatchEmitted, Action: ActionReject, To: DispatchRejected, Guard: RequireOutcome(domain.OutcomeRejected)},
			{From: DispatchReturned, Action: ActionRevise, To: DispatchDraft},
			{From: DispatchEffective, Action: ActionArchive, To: DispatchArchived, Remember: true, Custody: CustodyArchive, Movement: domain.MovementArchive},
			{From: DispatchArchived, Action: ActionUnarchive, Resume: true, Admin: true, Custody: CustodyReturn, Movement: domain.MovementUnarchive, Guard: RequireReason},
		},
		Outcomes: map[domain.Outcome]domain.Action{
			domain.OutcomeApproved: ActionMakeEffective,
			domain.OutcomeRejected: ActionReject,
			domain.OutcomeReturned: ActionReturn,
		},
	}
}

func ScannedDocument() Table {
	return Table{
		Kind: domain.KindScannedDocument,
		States: []State{
			{Name: ScanPending, Initial: true},
			{Name: ScanScanning},
			{Name: ScanOCRProcessing},
			{Name: ScanQualityReview},
			{Name: ScanCompleted, Terminal: true},
			{Name: ScanRejected, Terminal: true},
			{Name: ScanError},
		},
		Rules: []Rule{
			{From: ScanPending, Action: ActionStartScan, To: ScanScanning},
			{From: ScanScanning, Action: ActionScanComplete, To: ScanOCRProcessing, Guard: RequirePages},
			{From: ScanScanning, Action: ActionFail, To: ScanError, Remember: true, Guard: RequireReason},
			{From: ScanOCRProcessing, Action: ActionOCRComplete, To: ScanQualityReview},
			{From: ScanOCRProcessing, Action: ActionFail, To: ScanError, Remember: true, Guard: RequireReason},
			{From: ScanQualityReview, Action: ActionApproveQuality, To: ScanCompleted, Guard: RequireOCRConfidence},
			{From: ScanQualityReview, Action: ActionRejectQuality, To: ScanRejected, Guard: RequireReason},
			{From: ScanQualityReview, Action: ActionReprocess, To: ScanOCRProcessing},
			{From: ScanError, Action: ActionRetry, Resume: true},
		},
	}
}

// DigitizationBatch has no rules: its status is aggregated from members.
func DigitizationBatch() Table {
	return Table{
		Kind:    domain.KindDigitizationBatch,
		Derived: true,
		States: []State{
			{Name: BatchInProgress, Initial: true},
			{Name: BatchCompleted},
			{Name: BatchError},
		},
	}
}
