package apperrors

import "errors"

// Standardized engine errors
var (
	ErrNoBrokerAccount   = errors.New("no active broker account")
	ErrTriggerNotActive  = errors.New("trigger is not active")
	ErrOrderRejected     = errors.New("order rejected")
	ErrRiskRejected      = errors.New("risk limits rejected the order")
	ErrMalformedFrame    = errors.New("malformed market-data frame")
	ErrWebhookKeyInvalid = errors.New("webhook key absent or inactive")
	ErrContractNotFound  = errors.New("no matching futures contract")
)
