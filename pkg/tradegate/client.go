// Package tradegate is a Go SDK for the tradegate-server API.
package tradegate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tradegate/internal/api"
	"tradegate/internal/domain"
)

// Wire types shared with the server.
type (
	SubmitTradeRequest = api.SubmitTradeRequest
	Attempt            = domain.TradeAttempt
	AuditRecord        = domain.AuditRecord
	Position           = domain.Position
	TransitionEvent    = domain.TransitionEvent
)

// Error is a non-2xx response from the server.
type Error struct {
	Status      int
	Code        string
	Message     string
	Remediation string
	AttemptID   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client provides a Go SDK for interacting with the tradegate-server API.
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates a new tradegate API client.
func NewClient(baseURL string) *Client {
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetTimeout(30 * time.Second)
	c.SetHeader("Content-Type", "application/json")
	c.SetJSONMarshaler(json.Marshal)
	c.SetJSONUnmarshaler(json.Unmarshal)
	return &Client{baseURL: baseURL, http: c}
}

// Submit submits a trade. With wait > 0 the server holds the response until
// the attempt is terminal or wait elapses.
func (c *Client) Submit(ctx context.Context, req SubmitTradeRequest, wait time.Duration) (Attempt, error) {
	r := c.http.R().SetContext(ctx).SetBody(req)
	if wait > 0 {
		r.SetQueryParam("wait", wait.String())
	}
	var out api.AttemptResponse
	err := c.do(r.SetResult(&out), "POST", "/api/v1/trades")
	return out.Attempt, err
}

// Confirm confirms a high-risk attempt.
func (c *Client) Confirm(ctx context.Context, attemptID, token string) (Attempt, error) {
	var out api.AttemptResponse
	r := c.http.R().SetContext(ctx).SetBody(api.ConfirmRequest{Token: token}).SetResult(&out)
	err := c.do(r, "POST", "/api/v1/trades/"+url.PathEscape(attemptID)+"/confirm")
	return out.Attempt, err
}

// Cancel cancels an attempt that has not started executing.
func (c *Client) Cancel(ctx context.Context, attemptID string) (Attempt, error) {
	var out api.AttemptResponse
	r := c.http.R().SetContext(ctx).SetResult(&out)
	err := c.do(r, "POST", "/api/v1/trades/"+url.PathEscape(attemptID)+"/cancel")
	return out.Attempt, err
}

// Status returns the current snapshot of an attempt.
func (c *Client) Status(ctx context.Context, attemptID string) (Attempt, error) {
	var out api.AttemptResponse
	r := c.http.R().SetContext(ctx).SetResult(&out)
	err := c.do(r, "GET", "/api/v1/trades/"+url.PathEscape(attemptID))
	return out.Attempt, err
}

// Audit returns the audit trail of an attempt.
func (c *Client) Audit(ctx context.Context, attemptID string) ([]AuditRecord, error) {
	var out api.AuditResponse
	r := c.http.R().SetContext(ctx).SetResult(&out)
	err := c.do(r, "GET", "/api/v1/trades/"+url.PathEscape(attemptID)+"/audit")
	return out.Records, err
}

// Positions returns the user's ledger positions.
func (c *Client) Positions(ctx context.Context, userID string) ([]Position, error) {
	var out api.PositionsResponse
	r := c.http.R().SetContext(ctx).SetResult(&out)
	err := c.do(r, "GET", "/api/v1/users/"+url.PathEscape(userID)+"/positions")
	return out.Positions, err
}

// Trades returns the user's most recent attempts, newest first.
func (c *Client) Trades(ctx context.Context, userID string, limit int) ([]Attempt, error) {
	var out api.TradesResponse
	r := c.http.R().SetContext(ctx).SetResult(&out)
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := c.do(r, "GET", "/api/v1/users/"+url.PathEscape(userID)+"/trades")
	return out.Trades, err
}

func (c *Client) do(r *resty.Request, method, path string) error {
	var apiErr api.ErrorResponse
	resp, err := r.SetError(&apiErr).Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &Error{
			Status:      resp.StatusCode(),
			Code:        apiErr.Error.Code,
			Message:     apiErr.Error.Message,
			Remediation: apiErr.Error.Remediation,
			AttemptID:   apiErr.Error.AttemptID,
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

// StreamEvents connects to the gRPC endpoint at addr and calls fn for each
// transition event of userID (all users when empty). It blocks until ctx is
// cancelled, the stream ends or fn returns an error.
func StreamEvents(ctx context.Context, addr, userID string, fn func(TransitionEvent) error) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	return streamEvents(ctx, conn, userID, fn)
}

func streamEvents(ctx context.Context, conn grpc.ClientConnInterface, userID string, fn func(TransitionEvent) error) error {
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, api.MethodStreamEvents)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	req, err := api.ToStruct(api.StreamRequest{UserID: userID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		var ev TransitionEvent
		if err := api.FromStruct(msg, &ev); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
