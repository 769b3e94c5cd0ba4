package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/telemetry"
)

// CastVote is one committee ballot.
type CastVote struct {
	ChangeID         string
	UserID           string
	Vote             engine.VoteValue
	Comments         *string
	ConditionalTerms *string
}

// Outcome is the result of a quorum check.
type Outcome string

const (
	// OutcomeAwaitingQuorum means fewer ballots than the quorum were cast.
	OutcomeAwaitingQuorum Outcome = "awaiting_quorum"

	// OutcomeTied means approvals and rejections are equal.
	OutcomeTied Outcome = "tied"

	OutcomeApproved               Outcome = "approved"
	OutcomeApprovedWithConditions Outcome = "approved_with_conditions"
	OutcomeRejected               Outcome = "rejected"
)

// Resolved reports whether the outcome closed voting.
func (o Outcome) Resolved() bool {
	return o == OutcomeApproved || o == OutcomeApprovedWithConditions || o == OutcomeRejected
}

// Tally counts the ballots of a revision.
type Tally struct {
	Votes    int `json:"votes"`
	Approves int `json:"approves"`
	Rejects  int `json:"rejects"`
	Abstains int `json:"abstains"`
}

// VoteResult is returned by CastCabVote.
type VoteResult struct {
	Vote    *engine.CabVote
	Change  *engine.ChangeRequest
	Outcome Outcome
	Tally   Tally
}

// CastCabVote records a committee member's ballot and re-evaluates the quorum
// in the same transaction.
func (s *Service) CastCabVote(ctx context.Context, cfg engine.GovernanceConfig, v CastVote) (*VoteResult, error) {
	op := s.wf.Telemetry().StartOperation(ctx, "approval.cast_vote",
		telemetry.AttrChangeID.String(v.ChangeID),
		telemetry.AttrActor.String(v.UserID),
		telemetry.AttrVote.String(string(v.Vote)),
	)
	ctx = op.Ctx

	result, err := s.castCabVote(ctx, cfg, v)
	op.End(err)
	return result, err
}

func (s *Service) castCabVote(ctx context.Context, cfg engine.GovernanceConfig, v CastVote) (*VoteResult, error) {
	if err := v.Vote.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid vote", err).WithChange(v.ChangeID)
	}
	if strings.TrimSpace(v.UserID) == "" {
		return nil, engine.NewValidationError("voter id is required", nil).WithChange(v.ChangeID)
	}

	// Role lookups may hit the database, so they run before the transaction opens.
	ok, err := s.wf.Directory().HasRole(ctx, v.UserID, engine.RoleCabMember)
	if err != nil {
		return nil, engine.NewInternalError("role lookup failed", err).WithChange(v.ChangeID)
	}
	if !ok {
		return nil, engine.NewPreconditionError(engine.ErrCodeMissingRole,
			fmt.Sprintf("user %s is not a CAB member", v.UserID)).WithChange(v.ChangeID)
	}

	cfg = cfg.WithDefaults()
	result := &VoteResult{}

	err = s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		change, err := tx.GetChange(ctx, v.ChangeID)
		if err != nil {
			return err
		}
		if change.RequesterID == v.UserID {
			return engine.NewPreconditionError(engine.ErrCodeSegregationOfDuties,
				"the requester of a change cannot vote on it").WithChange(change.ID)
		}
		if change.Status != engine.StatusPendingApproval {
			return engine.NewPreconditionError(engine.ErrCodeVotingClosed,
				fmt.Sprintf("voting is closed for a %s change", change.Status)).WithChange(change.ID)
		}

		tracker, err := s.EnsureCabApprovalTx(ctx, tx, cfg, change)
		if err != nil {
			return err
		}
		if !tracker.IsPending() {
			return engine.NewPreconditionError(engine.ErrCodeVotingClosed,
				"the CAB outcome is already "+string(tracker.Status)).WithChange(change.ID)
		}

		now := s.wf.Now()
		vote := &engine.CabVote{
			ID:               uuid.New().String(),
			ChangeID:         change.ID,
			Revision:         change.Revision,
			VoterID:          v.UserID,
			Vote:             v.Vote,
			Comments:         v.Comments,
			ConditionalTerms: v.ConditionalTerms,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.UpsertVote(ctx, vote); err != nil {
			return err
		}

		payload := map[string]interface{}{"vote": string(v.Vote), "revision": change.Revision}
		if vote.HasConditions() {
			payload["conditional_terms"] = *vote.ConditionalTerms
		}
		if err := s.wf.AppendEvent(ctx, tx, change.ID, engine.EventCabVoteCast, v.UserID, payload); err != nil {
			return err
		}

		outcome, tally, err := s.checkCabQuorum(ctx, tx, cfg, change, v.UserID)
		if err != nil {
			return err
		}

		result.Vote = vote
		result.Change = change
		result.Outcome = outcome
		result.Tally = tally

		tx.AfterCommit(func(context.Context) {
			if t := s.wf.Telemetry(); t != nil {
				t.Metrics.RecordVote(string(v.Vote))
				if outcome.Resolved() {
					t.Metrics.RecordQuorumOutcome(string(outcome))
					t.Metrics.RecordApprovalResolved(string(engine.ApprovalTypeCab), string(change.Status))
				}
			}
			s.logger.Info().
				Str("change_id", change.ID).
				Str("voter", v.UserID).
				Str("vote", string(v.Vote)).
				Str("outcome", string(outcome)).
				Msg("CAB vote recorded")
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkCabQuorum tallies the ballots of the current revision and resolves the
// change once the quorum is met and one side leads.
func (s *Service) checkCabQuorum(ctx context.Context, tx engine.Tx, cfg engine.GovernanceConfig, change *engine.ChangeRequest, actor string) (Outcome, Tally, error) {
	votes, err := tx.ListVotes(ctx, change.ID, change.Revision)
	if err != nil {
		return "", Tally{}, err
	}

	tally := Tally{Votes: len(votes)}
	for _, v := range votes {
		switch v.Vote {
		case engine.VoteApprove:
			tally.Approves++
		case engine.VoteReject:
			tally.Rejects++
		case engine.VoteAbstain:
			tally.Abstains++
		}
	}

	if tally.Votes < cfg.CabQuorum {
		return OutcomeAwaitingQuorum, tally, nil
	}

	var outcome Outcome
	switch {
	case tally.Approves > tally.Rejects:
		if conditions := aggregateConditions(votes); conditions != "" {
			outcome = OutcomeApprovedWithConditions
			err = s.approveWithConditions(ctx, tx, change, conditions, actor)
		} else {
			outcome = OutcomeApproved
			err = s.approveChange(ctx, tx, change, actor)
		}
	case tally.Rejects > tally.Approves:
		outcome = OutcomeRejected
		err = s.rejectChange(ctx, tx, change, actor)
	default:
		return OutcomeTied, tally, nil
	}
	if err != nil {
		return "", tally, err
	}

	if err := s.wf.AppendEvent(ctx, tx, change.ID, engine.EventCabQuorumResolved, actor, map[string]interface{}{
		"outcome":  string(outcome),
		"votes":    tally.Votes,
		"approves": tally.Approves,
		"rejects":  tally.Rejects,
		"abstains": tally.Abstains,
		"quorum":   cfg.CabQuorum,
	}); err != nil {
		return "", tally, err
	}
	return outcome, tally, nil
}

// aggregateConditions joins the distinct "{voter}: {terms}" lines of approving
// ballots in retrieval order.
func aggregateConditions(votes []*engine.CabVote) string {
	var lines []string
	seen := make(map[string]struct{})
	for _, v := range votes {
		if !v.HasConditions() {
			continue
		}
		line := fmt.Sprintf("%s: %s", v.VoterID, strings.TrimSpace(*v.ConditionalTerms))
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (s *Service) approveChange(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, actor string) error {
	change.ClearConditions()
	return s.wf.ApplyTransition(ctx, tx, change, engine.StatusApproved, actor, "CAB quorum approved")
}

func (s *Service) approveWithConditions(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, conditions, actor string) error {
	pending := engine.ConditionsPending
	change.ClearConditions()
	change.CabConditions = &conditions
	change.CabConditionsStatus = &pending

	if err := s.wf.ApplyTransition(ctx, tx, change, engine.StatusApproved, actor, "CAB quorum approved with conditions"); err != nil {
		return err
	}
	return s.wf.AppendEvent(ctx, tx, change.ID, engine.EventCabConditionsSet, actor, map[string]interface{}{
		"conditions": conditions,
	})
}

func (s *Service) rejectChange(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, actor string) error {
	change.ClearConditions()
	if err := resolveTracker(ctx, tx, change, engine.ApprovalRejected, s.wf.Now()); err != nil {
		return err
	}
	return s.wf.ApplyTransition(ctx, tx, change, engine.StatusRejected, actor, "Rejected by CAB vote")
}

// ConfirmCabConditions acknowledges the pending CAB conditions of a change.
func (s *Service) ConfirmCabConditions(ctx context.Context, changeID, userID string) (*engine.ChangeRequest, error) {
	op := s.wf.Telemetry().StartOperation(ctx, "approval.confirm_conditions",
		telemetry.AttrChangeID.String(changeID),
		telemetry.AttrActor.String(engine.ActorName(userID)),
	)
	ctx = op.Ctx

	var change *engine.ChangeRequest
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		change, err = tx.GetChange(ctx, changeID)
		if err != nil {
			return err
		}
		if !change.ConditionsPending() {
			return engine.NewPreconditionError(engine.ErrCodeNoPendingConditions,
				"the change has no pending CAB conditions").WithChange(changeID)
		}

		now := s.wf.Now()
		who := engine.ActorName(userID)
		confirmed := engine.ConditionsConfirmed
		change.CabConditionsStatus = &confirmed
		change.CabConditionsConfirmedBy = &who
		change.CabConditionsConfirmedAt = &now
		change.UpdatedAt = now
		if err := tx.UpdateChange(ctx, change); err != nil {
			return err
		}

		return s.wf.AppendEvent(ctx, tx, changeID, engine.EventCabConditionsConfirmed, userID, map[string]interface{}{
			"conditions": *change.CabConditions,
		})
	})
	op.End(err)
	if err != nil {
		return nil, err
	}
	return change, nil
}
