package svcfields

import (
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/protocol"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	if len(filtered) == 0 {
		return ""
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Field keys shared by coordinator and replica log lines.
const (
	StoreKey = pslog.TrustedString("store_id")
	KindKey  = pslog.TrustedString("kind")
	TxnKey   = pslog.TrustedString("txn_id")
)

// WithStore tags entries with the replica they concern.
func WithStore(logger pslog.Logger, id protocol.StoreID) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(StoreKey, uint32(id))
}

// WithMessage tags entries with the routing fields of msg.
func WithMessage(logger pslog.Logger, msg protocol.Message) pslog.Logger {
	return WithStore(logger, msg.StoreID).With(KindKey, msg.Kind.String(), TxnKey, msg.TxnID)
}
