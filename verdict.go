package milter

import "fmt"

// Verdict is the generic structured scan outcome C7 translates into milter
// actions (spec.md §4.7). It mirrors the keys the scanning engine's result
// object is expected to carry; the engine itself is an external collaborator
// and is not part of this package.
type Verdict struct {
	Action string // "reject" | "soft reject" | "rewrite subject" | "add header" | "greylist" | "no action"

	Messages struct {
		SMTPMessage string
	}

	Milter struct {
		RemoveHeaders map[string]int // header name -> position, per spec.md §4.7
		AddHeaders    map[string]AddedHeader
		ChangeFrom    string
		Reject        string // "discard" overrides discard_on_reject for this message
		NoAction      bool
		SpamHeader    *AddedHeader // overrides the default spam_header value when set
	}

	DKIMSignature string // inserted as the first header (INSHEADER index=1) when non-empty
	Subject       string // used by "rewrite subject"
}

// AddedHeader is one entry of milter.add_headers: a header value with an
// optional explicit insertion order (defaults to 1, the earliest slot).
type AddedHeader struct {
	Value string
	Order int
}

// DeliverVerdict is C7: it maps v onto a sequence of C5 actions enqueued on
// s's outbound FIFO, then an ACCEPT/REJECT/etc. terminal response. It never
// blocks; actual transmission is C6's job.
func DeliverVerdict(s *Session, v *Verdict) error {
	if v == nil {
		return deliverMalformed(s)
	}

	m := s.modifier
	if m == nil {
		return fmt.Errorf("milter: session %d: verdict delivered before negotiation", s.id)
	}

	if err := applyHeaderRemovals(m, s, v.Milter.RemoveHeaders); err != nil {
		return err
	}
	for name, h := range v.Milter.AddHeaders {
		order := h.Order
		if order <= 0 {
			order = 1
		}
		if err := m.InsertHeader(order, name, h.Value); err != nil {
			return err
		}
	}
	// change_from must complete before the DKIM signature is inserted: the
	// signature covers the envelope sender the MTA will actually use
	// (SPEC_FULL.md §10.3; mirrors rspamd_milter_process_milter_block
	// returning before the dkim-signature block in
	// rspamd_milter_send_task_results).
	if v.Milter.ChangeFrom != "" {
		if err := m.ChangeFrom(v.Milter.ChangeFrom, ""); err != nil {
			return err
		}
	}
	if v.DKIMSignature != "" {
		if err := m.InsertHeader(1, "DKIM-Signature", v.DKIMSignature); err != nil {
			return err
		}
	}

	if v.Milter.NoAction {
		if err := m.AddHeader("X-Spam-Action", v.Action); err != nil {
			return err
		}
		return s.terminal(RespAccept)
	}

	spamHandledByMilterBlock := v.Action == "add header" && v.Milter.SpamHeader != nil

	switch v.Action {
	case "reject":
		discard := s.discardOnReject || v.Milter.Reject == "discard"
		if discard {
			return s.terminal(RespDiscard)
		}
		text := firstNonEmpty(v.Messages.SMTPMessage, "Rejected")
		resp, err := RejectWithCodeAndReason(554, "5.7.1 "+text)
		if err != nil {
			return err
		}
		if err := s.terminal(resp); err != nil {
			return err
		}
		return s.terminal(RespReject)

	case "soft reject":
		text := firstNonEmpty(v.Messages.SMTPMessage, "Try again later")
		resp, err := RejectWithCodeAndReason(451, "4.7.1 "+text)
		if err != nil {
			return err
		}
		if err := s.terminal(resp); err != nil {
			return err
		}
		return s.terminal(RespReject)

	case "rewrite subject":
		if err := m.ChangeHeader(1, "Subject", v.Subject); err != nil {
			return err
		}
		return s.terminal(RespAccept)

	case "add header":
		if !spamHandledByMilterBlock {
			name := s.server.options.spamHeader
			value := "Yes"
			if v.Milter.SpamHeader != nil && v.Milter.SpamHeader.Value != "" {
				value = v.Milter.SpamHeader.Value
			}
			if err := removeAllHeaderInstances(m, s, name); err != nil {
				return err
			}
			if err := m.ChangeHeader(1, name, value); err != nil {
				return err
			}
		}
		return s.terminal(RespAccept)

	case "greylist", "no action":
		return s.terminal(RespAccept)

	default:
		return s.terminal(RespAccept)
	}
}

// deliverMalformed implements spec.md §6.3's missing-or-malformed verdict
// policy: TEMPFAIL the MTA, do not tear the session down.
func deliverMalformed(s *Session) error {
	LogWarning("milter: session %d: missing or malformed verdict, sending TEMPFAIL", s.id)
	return s.terminal(RespTempFail)
}

// terminal enqueues a final disposition response (ACCEPT/REJECT/DISCARD/
// TEMPFAIL) directly on the session's outbound FIFO; these are not
// modifications and so are not routed through the modifier.
func (s *Session) terminal(resp *Response) error {
	return s.enqueueAction(resp.Response())
}

// applyHeaderRemovals implements spec.md §4.7's positional removal semantics:
// a removal is a CHGHEADER with an empty value, resolved against the
// header's observed occurrence count N.
func applyHeaderRemovals(m *modifier, s *Session, removals map[string]int) error {
	for name, p := range removals {
		n := s.headerCounts[name]
		switch {
		case p >= 1:
			if err := m.ChangeHeader(p, name, ""); err != nil {
				return err
			}
		case p == 0:
			for pos := 1; pos <= n; pos++ {
				if err := m.ChangeHeader(pos, name, ""); err != nil {
					return err
				}
			}
		case p >= -n:
			if err := m.ChangeHeader(n+p+1, name, ""); err != nil {
				return err
			}
		default:
			// p < -N: no-op
		}
	}
	return nil
}

// removeAllHeaderInstances removes every instance of name seen on s before
// the "add header" action installs its own single instance.
func removeAllHeaderInstances(m *modifier, s *Session, name string) error {
	n := s.headerCounts[name]
	for pos := 1; pos <= n; pos++ {
		if err := m.ChangeHeader(pos, name, ""); err != nil {
			return err
		}
	}
	return nil
}
