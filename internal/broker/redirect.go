package broker

import (
	"bytes"
	"context"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/tsp"
)

// Redirector handles replies whose status code is above the redirect base.
type Redirector struct {
	Server string
	Mode   tsp.TunnelMode
	Prober Prober
	Store  Store
}

// Handle parses the broker lists out of a redirect reply, measures and
// sorts them when there is a choice, and persists the result. It reports
// EventBrokerRedirection in stage on success and ErrBrokerRedirection when
// no usable list could be built.
func (r *Redirector) Handle(ctx context.Context, stage status.Context, reply []byte) (status.Status, *List) {
	fail := status.Make(stage, status.ErrBrokerRedirection)

	line := reply
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	logger := log.WithField("server", r.Server)
	logger.WithField("status", string(bytes.TrimSpace(line))).Info("received redirection")

	payload, err := tsp.FindPayload(reply)
	if err != nil {
		logger.WithError(err).Error("cannot extract redirection payload")
		return fail, nil
	}
	t, err := tsp.ParseTunnel(payload)
	if err != nil {
		logger.WithError(err).Error("cannot parse redirection payload")
		return fail, nil
	}
	l, err := FromTunnel(t)
	if err != nil {
		logger.WithError(err).Error("cannot create broker list")
		return fail, nil
	}
	if l.Len() == 0 {
		logger.WithError(ErrEmptyBrokerList).Error("redirection carries no broker")
		return fail, nil
	}
	logger.WithField("brokers", l.String()).Info("redirection list")

	r.save(ctx, l)
	if l.Len() > 1 && r.Prober != nil {
		l.Measure(ctx, r.Prober, r.Mode)
		l.SortByDistance()
		logger.WithField("brokers", l.String()).Info("sorted redirection list")
		r.save(ctx, l)
	}
	return status.Make(stage, status.EventBrokerRedirection), l
}

// save is best effort: a broker list that cannot be stored is still used.
func (r *Redirector) save(ctx context.Context, l *List) {
	if r.Store == nil {
		return
	}
	if err := r.Store.SaveBrokerList(ctx, l); err != nil {
		log.WithError(err).Warn("cannot save broker list")
	}
}
