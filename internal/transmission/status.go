package transmission

import (
	"context"
	"strconv"
	"time"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/model"
)

// ServiceStatus asks the authority of uf whether its services are running
func (c *Client) ServiceStatus(ctx context.Context, m *certificate.Material, uf model.UF, env model.Environment) (*model.ServiceStatus, error) {
	q := message("consStatServ")
	q.CreateElement("tpAmb").SetText(env.Code())
	q.CreateElement("cUF").SetText(strconv.Itoa(uf.Code()))
	q.CreateElement("xServ").SetText("STATUS")

	resp, err := c.Call(ctx, m, Request{UF: uf, Service: ServiceStatus, Environment: env, Payload: q})
	if err != nil {
		return nil, err
	}
	code, reason, err := status(resp.Message)
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unexpected status response", err)
	}

	st := &model.ServiceStatus{
		Code:          code,
		Reason:        reason,
		UF:            uf,
		Environment:   env,
		ReceivedAt:    parseTime(text(resp.Message, "dhRecbto")),
		ApplicationID: text(resp.Message, "verAplic"),
	}
	if secs, err := strconv.Atoi(text(resp.Message, "tMed")); err == nil {
		st.AverageTime = time.Duration(secs) * time.Second
	}
	return st, nil
}
