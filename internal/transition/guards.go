package transition

import (
	"recordflow/internal/domain"
)

// All runs guards in order and returns the first failure.
func All(guards ...Guard) Guard {
	return func(action domain.Action, c Context) error {
		for _, g := range guards {
			if err := g(action, c); err != nil {
				return err
			}
		}
		return nil
	}
}

func RequireAttachments(action domain.Action, c Context) error {
	if len(c.Entity.Attachments) == 0 {
		return domain.Guard(action, "at least one attachment is required")
	}
	return nil
}

func RequireDestination(action domain.Action, c Context) error {
	if c.Payload.ToUnit == "" && c.Payload.ToUser == "" {
		return domain.Guard(action, "a destination unit or user is required")
	}
	return nil
}

func RequireReason(action domain.Action, c Context) error {
	if c.Payload.Reason == "" {
		return domain.Guard(action, "a reason is required")
	}
	return nil
}

// RequireRecipients checks the recipient list of a round about to be opened.
func RequireRecipients(action domain.Action, c Context) error {
	if len(c.Payload.Recipients) == 0 {
		return domain.Guard(action, "at least one recipient is required")
	}
	seen := make(map[string]bool, len(c.Payload.Recipients))
	for _, r := range c.Payload.Recipients {
		if r == "" {
			return domain.Guard(action, "recipient must not be empty")
		}
		if seen[r] {
			return domain.Guard(action, "recipient %s listed twice", r)
		}
		seen[r] = true
	}
	if c.Payload.Mode != "" && !c.Payload.Mode.Valid() {
		return domain.Guard(action, "unknown approval mode %s", c.Payload.Mode)
	}
	if c.Round != nil && !c.Round.Resolved() {
		return domain.Guard(action, "approval round %s is still open", c.Round.ID)
	}
	return nil
}

// RequireOutcome passes only when the latest round resolved as want.
func RequireOutcome(want domain.Outcome) Guard {
	return func(action domain.Action, c Context) error {
		if c.Round == nil {
			return domain.Guard(action, "no approval round")
		}
		if !c.Round.Resolved() {
			return domain.Guard(action, "approval round still open")
		}
		if c.Round.Outcome != want {
			return domain.Guard(action, "approval round resolved as %s", c.Round.Outcome)
		}
		return nil
	}
}

func RequireOCRConfidence(action domain.Action, c Context) error {
	if c.Entity.OCRConfidence == nil {
		return domain.Guard(action, "ocr confidence not recorded")
	}
	if *c.Entity.OCRConfidence < c.MinOCRConfidence {
		return domain.Guard(action, "ocr confidence %.2f below minimum %.2f", *c.Entity.OCRConfidence, c.MinOCRConfidence)
	}
	return nil
}

func RequirePages(action domain.Action, c Context) error {
	if c.Entity.PageCount <= 0 {
		return domain.Guard(action, "page count not recorded")
	}
	return nil
}
