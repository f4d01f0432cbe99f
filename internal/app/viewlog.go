package app

import (
	"context"

	"schedview/internal/eventbus"
	"schedview/internal/reconciler"
	logx "schedview/pkg/logx"
)

// logView writes view changes and notices to the log until ctx is done.
func (a *App) logView(ctx context.Context, changes, notices *eventbus.Subscription) {
	defer changes.Close()
	defer notices.Close()

	log := a.log.With(logx.Component("view"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-changes.C:
			if !ok {
				return
			}
			ch, ok := e.Data.(reconciler.Change)
			if !ok {
				continue
			}
			if ch.Kind == reconciler.Reset {
				log.Info("view reset", logx.Int("rows", len(ch.Rows)))
				continue
			}
			log.Debug("view changed",
				logx.String("kind", ch.Kind.String()),
				logx.Int("index", ch.Index),
				logx.String("job", ch.Row.JobKey().String()),
				logx.String("trigger", ch.Row.TriggerName),
				logx.String("status", ch.Row.Status.String()),
			)
		case e, ok := <-notices.C:
			if !ok {
				return
			}
			n, ok := e.Data.(reconciler.Notice)
			if !ok {
				continue
			}
			switch n.Severity {
			case reconciler.SeverityError:
				log.Error(n.Message)
			case reconciler.SeverityWarning:
				log.Warn(n.Message)
			default:
				log.Info(n.Message)
			}
		}
	}
}
