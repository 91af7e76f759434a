package meshcall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Probe answers whether a session is worth starting: the server is up and
// the room exists.
type Probe struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	timeout time.Duration
	client  *fasthttp.Client
}

func NewProbe(logger shared.LoggerAdapter, baseUrl string, timeout time.Duration) (*Probe, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseUrl == "" {
		return nil, shared.ErrNoConfig
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{
		logger:  logger.With(zap.String("component", "probe")),
		baseUrl: u,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:         "meshcall/" + shared.Version,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}, nil
}

// Health reports nil when the server answers its health endpoint with 200.
func (p *Probe) Health(ctx context.Context) error {
	status, body, err := p.get(ctx, "/health")
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
	}
	return nil
}

type roomLookup struct {
	Exists bool `json:"exists"`
}

// RoomExists asks the server about roomID. A 404 is a definite no.
func (p *Probe) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, shared.ErrNoRoomID
	}
	status, body, err := p.get(ctx, "/api/rooms/"+url.PathEscape(roomID))
	if err != nil {
		return false, err
	}
	switch status {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
	}
	var lookup roomLookup
	if err := sonic.Unmarshal(body, &lookup); err != nil {
		return false, fmt.Errorf("decoding room lookup: %w", err)
	}
	return lookup.Exists, nil
}

// Proceed combines Health and RoomExists into the go/no-go signal a caller
// needs before Start.
func (p *Probe) Proceed(ctx context.Context, roomID string) (bool, error) {
	if err := p.Health(ctx); err != nil {
		p.logger.Warn("server health check failed", zap.Error(err))
		return false, err
	}
	ok, err := p.RoomExists(ctx, roomID)
	if err != nil {
		p.logger.Warn("room lookup failed", zap.String("room", roomID), zap.Error(err))
		return false, err
	}
	if !ok {
		p.logger.Info("room does not exist", zap.String("room", roomID))
	}
	return ok, nil
}

type probeResult struct {
	status int
	body   []byte
	err    error
}

func (p *Probe) get(ctx context.Context, path string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(p.baseUrl.JoinPath(path).String())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	// The request objects go back to the pool only once Do is done with them.
	resC := make(chan probeResult, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := p.client.DoTimeout(req, resp, p.timeout)
		resC <- probeResult{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
			err:    err,
		}
	}()
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case res := <-resC:
		if res.err != nil {
			var netErr net.Error
			if errors.Is(res.err, fasthttp.ErrTimeout) || (errors.As(res.err, &netErr) && netErr.Timeout()) {
				return 0, nil, fmt.Errorf("%s: %w", path, context.DeadlineExceeded)
			}
			return 0, nil, fmt.Errorf("performing HTTP request: %w", res.err)
		}
		return res.status, res.body, nil
	}
}
