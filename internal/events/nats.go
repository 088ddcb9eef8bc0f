package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"shipline/internal/domain"
)

// DefaultSubjectPrefix is the root of every published subject.
const DefaultSubjectPrefix = "shipline"

// NATSPublisher forwards committed events to NATS subjects of the form
// <prefix>.<project>.<type>.
type NATSPublisher struct {
	Conn   *nats.Conn
	Prefix string
	log    *zap.Logger
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url string, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("shipline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisher(nc, log), nil
}

func NewNATSPublisher(nc *nats.Conn, log *zap.Logger) *NATSPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{Conn: nc, Prefix: DefaultSubjectPrefix, log: log}
}

func (p *NATSPublisher) Publish(evts ...domain.Event) {
	for _, evt := range evts {
		data, err := json.Marshal(evt)
		if err != nil {
			p.log.Error("marshal event for nats", zap.Error(err))
			continue
		}
		subject := Subject(p.Prefix, evt.ProjectID, evt.Type)
		if err := p.Conn.Publish(subject, data); err != nil {
			p.log.Warn("nats publish failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.Conn.Drain()
}

// Subject builds the subject for an event. Tokens are sanitized so that
// ids never introduce extra subject levels or wildcards.
func Subject(prefix, projectID, evtType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if projectID == "" {
		projectID = "_"
	}
	return prefix + "." + token(projectID) + "." + token(evtType)
}

func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
