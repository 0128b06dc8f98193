package storage

import "votepulse/internal/model"

// FraudAudit defines a sink for the local fraud event audit trail.
type FraudAudit interface {
	AppendFraudEvent(ev model.FraudEvent) error
}
