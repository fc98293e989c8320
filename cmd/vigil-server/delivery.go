package main

import (
	"context"

	"github.com/MrEthical07/vigil"
	"github.com/MrEthical07/vigil/otp"
	"go.uber.org/zap"
)

// logDispatcher stands in for an email and SMS gateway. Codes are only
// written to the log when reveal is set.
type logDispatcher struct {
	logger *zap.Logger
	reveal bool
}

func (d *logDispatcher) Send(_ context.Context, msg otp.Message) error {
	fields := []zap.Field{
		zap.String("flow", string(msg.Flow)),
		zap.String("channel", string(msg.Channel)),
		zap.String("address", msg.Address),
		zap.Time("expires_at", msg.ExpiresAt),
	}
	if d.reveal {
		fields = append(fields, zap.String("code", msg.Code))
	}
	d.logger.Info("deliver code", fields...)
	return nil
}

// zapSink writes audit events to a named logger.
type zapSink struct {
	logger *zap.Logger
}

func (s zapSink) Emit(_ context.Context, ev vigil.AuditEvent) {
	fields := []zap.Field{
		zap.String("event", ev.EventType),
		zap.Bool("success", ev.Success),
		zap.Time("at", ev.Timestamp),
	}
	if ev.UserID != "" {
		fields = append(fields, zap.String("user_id", ev.UserID))
	}
	if ev.SessionID != "" {
		fields = append(fields, zap.String("session_id", ev.SessionID))
	}
	if ev.IP != "" {
		fields = append(fields, zap.String("ip", ev.IP))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	for k, v := range ev.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	s.logger.Info("audit", fields...)
}
