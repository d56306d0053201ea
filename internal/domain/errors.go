package domain

import "errors"

// ErrorKind groups pool errors by how a caller is expected to react to them.
type ErrorKind string

const (
	// KindValidation marks malformed parameters rejected before any state change.
	KindValidation ErrorKind = "validation"
	// KindConflict marks requests that are valid in isolation but not in the pool's current state.
	KindConflict ErrorKind = "conflict"
	// KindResource marks failures of the delegated custody transfer.
	KindResource ErrorKind = "resource"
	// KindNotFound marks references to pools, members or proposals that do not exist.
	KindNotFound ErrorKind = "not_found"
)

// Error is a typed pool error. Values are compared by identity with errors.Is.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidPoolSize        = &Error{Code: "InvalidPoolSize", Kind: KindValidation, Message: "invalid pool size - must be between 2 and 10 members"}
	ErrInvalidContribution    = &Error{Code: "InvalidContribution", Kind: KindValidation, Message: "invalid contribution amount"}
	ErrInvalidCyclePeriod     = &Error{Code: "InvalidCyclePeriod", Kind: KindValidation, Message: "invalid cycle period or total cycles"}
	ErrInvalidPayoutPosition  = &Error{Code: "InvalidPayoutPosition", Kind: KindValidation, Message: "invalid payout position - must be between 1 and total members"}
	ErrInvalidCurrency        = &Error{Code: "InvalidCurrency", Kind: KindValidation, Message: "invalid currency"}
	ErrInvalidQuestionnaire   = &Error{Code: "InvalidQuestionnaire", Kind: KindValidation, Message: "questionnaire answers exceed the allowed size"}
	ErrInvalidIdentity        = &Error{Code: "InvalidIdentity", Kind: KindValidation, Message: "invalid wallet or account address"}
	ErrUnexpectedTokenAccount = &Error{Code: "UnexpectedTokenAccount", Kind: KindValidation, Message: "token accounts are not accepted for native pools"}
	ErrInvalidProposal        = &Error{Code: "InvalidProposal", Kind: KindValidation, Message: "invalid proposal - title, description, type and a duration of 1 to 30 days are required"}
	ErrInvalidVote            = &Error{Code: "InvalidVote", Kind: KindValidation, Message: "invalid vote - must be yes, no or abstain"}

	ErrPoolExists              = &Error{Code: "PoolExists", Kind: KindConflict, Message: "pool already exists for this creator and pool id"}
	ErrPoolActive              = &Error{Code: "PoolActive", Kind: KindConflict, Message: "pool is already active"}
	ErrPoolNotActive           = &Error{Code: "PoolNotActive", Kind: KindConflict, Message: "pool not active"}
	ErrPoolFull                = &Error{Code: "PoolFull", Kind: KindConflict, Message: "pool is already full"}
	ErrPoolCompleted           = &Error{Code: "PoolCompleted", Kind: KindConflict, Message: "pool has completed all payout cycles"}
	ErrMemberExists            = &Error{Code: "MemberExists", Kind: KindConflict, Message: "member already exists in pool"}
	ErrPayoutPositionTaken     = &Error{Code: "PayoutPositionTaken", Kind: KindConflict, Message: "payout position already taken"}
	ErrContributionAlreadyMade = &Error{Code: "ContributionAlreadyMade", Kind: KindConflict, Message: "contribution already made for this cycle"}
	ErrInvalidPayoutRecipient  = &Error{Code: "InvalidPayoutRecipient", Kind: KindConflict, Message: "invalid payout recipient"}
	ErrProposalEnded           = &Error{Code: "ProposalEnded", Kind: KindConflict, Message: "proposal voting has ended"}

	ErrInsufficientFunds    = &Error{Code: "InsufficientFunds", Kind: KindResource, Message: "insufficient funds for transfer"}
	ErrMissingTokenAccount  = &Error{Code: "MissingTokenAccount", Kind: KindResource, Message: "token account required for token pools"}
	ErrTokenAccountNotFound = &Error{Code: "TokenAccountNotFound", Kind: KindResource, Message: "token account not found"}
	ErrTokenAccountMismatch = &Error{Code: "TokenAccountMismatch", Kind: KindResource, Message: "token account does not hold the pool currency or is not owned by the expected wallet"}
	ErrInvalidAuthority     = &Error{Code: "InvalidAuthority", Kind: KindResource, Message: "transfer authority is not valid for the source account"}

	ErrPoolNotFound     = &Error{Code: "PoolNotFound", Kind: KindNotFound, Message: "pool not found"}
	ErrMemberNotFound   = &Error{Code: "MemberNotFound", Kind: KindNotFound, Message: "member not found"}
	ErrProposalNotFound = &Error{Code: "ProposalNotFound", Kind: KindNotFound, Message: "proposal not found"}
)

// AsError returns the typed pool error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var poolErr *Error
	if errors.As(err, &poolErr) {
		return poolErr, true
	}
	return nil, false
}
