package runlog

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// Client posts records to a remote runtime-log endpoint.
type Client struct {
	rpc *connect.Client[Record, AppendResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		rpc: connect.NewClient[Record, AppendResponse](
			httpClient,
			strings.TrimRight(baseURL, "/")+AppendProcedure,
			connect.WithCodec(JSONCodec{}),
		),
	}
}

// Append clamps rec to the accepted limits before sending.
func (c *Client) Append(ctx context.Context, rec Record) error {
	clamped := rec.Clamp()
	resp, err := c.rpc.CallUnary(ctx, connect.NewRequest(&clamped))
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	if !resp.Msg.OK {
		return fmt.Errorf("append run log: server did not acknowledge")
	}
	return nil
}
