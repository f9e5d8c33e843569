package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/scheduler"
)

const (
	startKernelSubjectPrefix = "agent.start-kernel."
	pingSubjectPrefix        = "agent.ping."
)

type agentResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NatsAgentClient talks to worker agents over NATS request-reply. Each agent
// listens on subjects suffixed with its address. Requests are bounded by the
// configured timeout and retried a few times on transport errors; an agent
// that answers with a failure is not retried, the start phase handles that.
type NatsAgentClient struct {
	conn    *nats.Conn
	timeout time.Duration
	retries uint
}

func NewNatsAgentClient(servers string, connTimeout time.Duration, rpcTimeout time.Duration, retries uint) (*NatsAgentClient, error) {
	conn, err := nats.Connect(servers, nats.Timeout(connTimeout))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &NatsAgentClient{conn: conn, timeout: rpcTimeout, retries: retries}, nil
}

func (c *NatsAgentClient) StartKernel(ctx context.Context, agentAddr string, req *scheduler.StartKernelRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.WithStack(err)
	}
	log.WithField("agent", agentAddr).Debugf("starting kernel %s", req.KernelID)
	return c.request(ctx, startKernelSubjectPrefix+agentAddr, payload)
}

func (c *NatsAgentClient) PingAgent(ctx context.Context, agentAddr string) error {
	return c.request(ctx, pingSubjectPrefix+agentAddr, []byte("{}"))
}

func (c *NatsAgentClient) request(ctx context.Context, subject string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var msg *nats.Msg
	err := retry.Do(
		func() error {
			var err error
			msg, err = c.conn.RequestWithContext(ctx, subject, payload)
			return err
		},
		retry.Attempts(c.retries),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", subject)
	}

	response := agentResponse{}
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		return errors.Wrapf(err, "invalid response from %s", subject)
	}
	if !response.Ok {
		return errors.Errorf("agent refused request on %s: %s", subject, response.Error)
	}
	return nil
}

func (c *NatsAgentClient) Close() {
	c.conn.Close()
}
